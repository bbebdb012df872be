package db

// schema is applied on every open; each statement is create-if-absent
var schema = []string{
	`CREATE TABLE IF NOT EXISTS barangay_sequence (
		brgy_id     INTEGER PRIMARY KEY,
		barangay    TEXT    NOT NULL UNIQUE,
		prefix      TEXT    NOT NULL,
		next_number INTEGER NOT NULL DEFAULT 1,
		created_at  INTEGER NOT NULL,
		updated_at  INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS deductions (
		deduction_id INTEGER PRIMARY KEY,
		name         TEXT    NOT NULL,
		type         TEXT    NOT NULL CHECK (type IN ('flat', 'percentage')),
		value        REAL    NOT NULL CHECK (value >= 0),
		created_at   INTEGER NOT NULL,
		updated_at   INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS customer_types (
		type_id     INTEGER PRIMARY KEY,
		type_name   TEXT    NOT NULL UNIQUE,
		rate_per_m3 REAL    NOT NULL CHECK (rate_per_m3 >= 0),
		min_m3      INTEGER NOT NULL DEFAULT 0 CHECK (min_m3 >= 0),
		min_charge  REAL    NOT NULL DEFAULT 0 CHECK (min_charge >= 0),
		penalty     REAL    NOT NULL DEFAULT 0 CHECK (penalty >= 0),
		created_at  INTEGER NOT NULL,
		updated_at  INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS settings (
		id                 INTEGER PRIMARY KEY,
		bill_due_days      INTEGER NOT NULL DEFAULT 5,
		disconnection_days INTEGER NOT NULL DEFAULT 8,
		created_at         INTEGER NOT NULL,
		updated_at         INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS customers (
		customer_id      INTEGER PRIMARY KEY,
		account_no       TEXT    NOT NULL UNIQUE,
		type_id          INTEGER NOT NULL REFERENCES customer_types(type_id),
		customer_name    TEXT    NOT NULL DEFAULT '',
		deduction_id     INTEGER REFERENCES deductions(deduction_id),
		brgy_id          INTEGER NOT NULL REFERENCES barangay_sequence(brgy_id),
		address          TEXT    NOT NULL DEFAULT '',
		previous_reading INTEGER NOT NULL DEFAULT 0 CHECK (previous_reading >= 0),
		status           TEXT    NOT NULL DEFAULT 'active' CHECK (status IN ('active', 'inactive')),
		created_at       INTEGER NOT NULL,
		updated_at       INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_customers_brgy ON customers(brgy_id)`,
	`CREATE TABLE IF NOT EXISTS readings (
		reading_id              INTEGER PRIMARY KEY,
		customer_id             INTEGER REFERENCES customers(customer_id) ON DELETE SET NULL,
		customer_account_number TEXT    NOT NULL,
		device_uid              TEXT    NOT NULL,
		previous_reading        INTEGER NOT NULL,
		current_reading         INTEGER NOT NULL,
		usage_m3                INTEGER NOT NULL CHECK (usage_m3 >= 0),
		reading_at              INTEGER NOT NULL,
		synced                  INTEGER NOT NULL DEFAULT 0,
		created_at              INTEGER NOT NULL,
		updated_at              INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_readings_account ON readings(customer_account_number)`,
	`CREATE TABLE IF NOT EXISTS bills (
		bill_id                 INTEGER PRIMARY KEY,
		reference_number        TEXT    NOT NULL UNIQUE,
		customer_id             INTEGER REFERENCES customers(customer_id) ON DELETE SET NULL,
		customer_account_number TEXT    NOT NULL,
		reading_id              INTEGER REFERENCES readings(reading_id),
		type_id                 INTEGER REFERENCES customer_types(type_id),
		device_uid              TEXT    NOT NULL,
		bill_date               INTEGER NOT NULL,
		due_date                INTEGER NOT NULL,
		rate_per_m3             TEXT    NOT NULL,
		charges                 TEXT    NOT NULL,
		deductions              TEXT    NOT NULL,
		penalty                 TEXT    NOT NULL,
		total_due               TEXT    NOT NULL,
		status                  TEXT    NOT NULL DEFAULT 'Pending',
		created_at              INTEGER NOT NULL,
		updated_at              INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_bills_account ON bills(customer_account_number)`,
	`CREATE TABLE IF NOT EXISTS bill_reference_sequence (
		year        INTEGER PRIMARY KEY,
		next_number INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS bill_transactions (
		bill_transaction_id     INTEGER PRIMARY KEY,
		transaction_uid         TEXT    NOT NULL UNIQUE,
		bill_id                 INTEGER NOT NULL REFERENCES bills(bill_id),
		bill_reference_number   TEXT    NOT NULL REFERENCES bills(reference_number),
		type                    TEXT    NOT NULL CHECK (type IN ('payment', 'void')),
		source                  TEXT    NOT NULL DEFAULT 'device',
		amount                  TEXT    NOT NULL,
		cash_received           TEXT    NOT NULL,
		change_amount           TEXT    NOT NULL,
		transaction_date        INTEGER NOT NULL,
		payment_method          TEXT    NOT NULL DEFAULT 'cash',
		processed_by_device_uid TEXT    NOT NULL,
		notes                   TEXT    NOT NULL DEFAULT '',
		created_at              INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS device_info (
		key        TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
}

// defaultBarangays seeds the partition table on an empty database
var defaultBarangays = []Barangay{
	{ID: 1, Name: "Dona Josefa", Prefix: "D", NextNumber: 1},
	{ID: 2, Name: "Makilas", Prefix: "M", NextNumber: 1},
	{ID: 3, Name: "Buluan", Prefix: "B", NextNumber: 1},
	{ID: 4, Name: "Caparan", Prefix: "C", NextNumber: 1},
}
