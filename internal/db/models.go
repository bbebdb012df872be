package db

import (
	"database/sql"

	"github.com/shopspring/decimal"
)

// Customer represents a billed account
type Customer struct {
	ID              int64
	AccountNo       string
	TypeID          int64
	Name            string
	DeductionID     sql.NullInt64
	BarangayID      int64
	Address         string
	PreviousReading uint64
	Status          string
	CreatedAt       int64
	UpdatedAt       int64
}

// CustomerType represents a billing rate class
type CustomerType struct {
	ID        int64
	Name      string
	RatePerM3 float64
	MinM3     int64
	MinCharge float64
	Penalty   float64
	CreatedAt int64
	UpdatedAt int64
}

// Deduction kinds
const (
	DeductionFlat       = "flat"
	DeductionPercentage = "percentage"
)

// Deduction represents a discount category
type Deduction struct {
	ID        int64
	Name      string
	Kind      string
	Value     float64
	CreatedAt int64
	UpdatedAt int64
}

// Barangay represents an administrative partition and its account sequence
type Barangay struct {
	ID         int64
	Name       string
	Prefix     string
	NextNumber int64
	CreatedAt  int64
	UpdatedAt  int64
}

// Settings holds billing policy pushed by the host
type Settings struct {
	ID                int64
	BillDueDays       int64
	DisconnectionDays int64
}

// Reading mirrors a ledger record for query convenience
type Reading struct {
	ID              int64
	CustomerID      int64
	AccountNo       string
	DeviceUID       string
	PreviousReading uint64
	CurrentReading  uint64
	UsageM3         uint64
	ReadingAt       int64
	Synced          bool
}

// Bill statuses
const (
	BillPending = "Pending"
	BillPaid    = "Paid"
	BillVoid    = "Void"
)

// Bill is the charge derived from a reading
type Bill struct {
	ID              int64
	ReferenceNumber string
	CustomerID      int64
	AccountNo       string
	ReadingID       int64
	TypeID          int64
	DeviceUID       string
	BillDate        int64
	DueDate         int64
	RatePerM3       decimal.Decimal
	Charges         decimal.Decimal
	Deductions      decimal.Decimal
	Penalty         decimal.Decimal
	TotalDue        decimal.Decimal
	Status          string
	CreatedAt       int64
	UpdatedAt       int64
}

// Bill transaction types
const (
	TransactionPayment = "payment"
	TransactionVoid    = "void"
)

// BillTransaction is an append-only payment or void against a bill
type BillTransaction struct {
	ID              int64
	UID             string
	BillID          int64
	ReferenceNumber string
	Type            string
	Source          string
	Amount          decimal.Decimal
	CashReceived    decimal.Decimal
	Change          decimal.Decimal
	TransactionDate int64
	PaymentMethod   string
	DeviceUID       string
	Notes           string
	CreatedAt       int64
}

// DeviceInfoEntry is one key of the device info map
type DeviceInfoEntry struct {
	Key       string
	Value     string
	CreatedAt int64
	UpdatedAt int64
}
