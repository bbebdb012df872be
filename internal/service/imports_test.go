package service_test

import (
	"context"
	"strings"
	"testing"
)

func TestDispatch_NewCustomerChunks(t *testing.T) {
	term := newTerminal(t)

	expectLines(t, term.send(t, "UPSERT_NEW_CUSTOMER_JSON_CHUNK|0|2|"+customersJSON("M", 0, 4, 2)), "ACK|CHUNK|0")
	expectLines(t, term.send(t, "UPSERT_NEW_CUSTOMER_JSON_CHUNK|1|2|"+customersJSON("M", 4, 3, 2)), "ACK|UPSERT_NEW_CUSTOMER_JSON|7")
	if n := term.customerCount(t); n != 7 {
		t.Fatalf("Expected 7 customers, got %d", n)
	}

	// an account already on file fails the whole chunk
	mixed := strings.TrimSuffix(customersJSON("N", 0, 2, 2), "]") + "," + strings.TrimPrefix(customersJSON("M", 6, 1, 2), "[")
	expectLines(t, term.send(t, "UPSERT_NEW_CUSTOMER_JSON_CHUNK|0|1|"+mixed), "ERR|UPSERT_FAILED")
	if n := term.customerCount(t); n != 7 {
		t.Errorf("Expected 7 customers after rejected chunks, got %d", n)
	}
}

func TestDispatch_UpdatedCustomerChunks(t *testing.T) {
	term := newTerminal(t)
	term.mustAck(t, "UPSERT_CUSTOMERS_JSON|"+customersJSON("M", 1, 2, 2))

	line := `UPSERT_UPDATED_CUSTOMER_JSON_CHUNK|0|1|[{"account_no":"M-001","customer_name":"Ana Cruz","address":"Zone 1 \| Purok 2","previous_reading":150,"brgy_id":2}]`
	expectLines(t, term.send(t, line), "ERR|BAD_FORMAT")

	line = `UPSERT_UPDATED_CUSTOMER_JSON_CHUNK|0|1|[{"account_no":"M-001","customer_name":"Ana Cruz","address":"Zone 1","previous_reading":150,"brgy_id":2}]`
	expectLines(t, term.send(t, line), "ACK|UPSERT_UPDATED_CUSTOMER_JSON|1")

	lines := term.send(t, "EXPORT_CUSTOMERS")
	if lines[1] != "CUST|M-001|Ana Cruz|Zone 1|150|active|1|0|2" {
		t.Errorf("Expected updated customer, got %q", lines[1])
	}

	expectLines(t, term.send(t, "UPSERT_UPDATED_CUSTOMER_JSON_CHUNK|0|1|"+customersJSON("M", 9, 1, 2)), "ERR|CUSTOMER_NOT_FOUND")
	if n := term.customerCount(t); n != 2 {
		t.Errorf("Expected update not to insert, got %d customers", n)
	}
}

func TestDispatch_ChunkFamiliesKeepSeparateTallies(t *testing.T) {
	term := newTerminal(t)

	expectLines(t, term.send(t, "UPSERT_CUSTOMERS_JSON_CHUNK|0|2|"+customersJSON("M", 0, 3, 2)), "ACK|CHUNK|0")
	expectLines(t, term.send(t, "UPSERT_NEW_CUSTOMER_JSON_CHUNK|0|2|"+customersJSON("N", 0, 5, 2)), "ACK|CHUNK|0")
	expectLines(t, term.send(t, "UPSERT_CUSTOMERS_JSON_CHUNK|1|2|"+customersJSON("M", 3, 1, 2)), "ACK|UPSERT_CUSTOMERS_JSON|4")
	expectLines(t, term.send(t, "UPSERT_NEW_CUSTOMER_JSON_CHUNK|1|2|"+customersJSON("N", 5, 1, 2)), "ACK|UPSERT_NEW_CUSTOMER_JSON|6")
}

const billsJSON = `[` +
	`{"reference_number":"REF001202301","account_no":"M-001","type_id":1,"device_uid":"DEV-B","bill_date":1699000000,"due_date":1699432000,` +
	`"rate_per_m3":"20","charges":"240","deductions":"0","penalty":"24","total_due":"240","status":"paid"},` +
	`{"reference_number":"REF002202301","account_no":"M-002","type_id":1,"device_uid":"DEV-B","bill_date":1699000000,"due_date":1699432000,` +
	`"rate_per_m3":"20","charges":"200","deductions":"0","penalty":"20","total_due":"200"}]`

func TestDispatch_BillChunks(t *testing.T) {
	term := newTerminal(t)
	term.mustAck(t, "UPSERT_CUSTOMERS_JSON|"+customersJSON("M", 1, 2, 2))

	expectLines(t, term.send(t, "UPSERT_BILLS_JSON_CHUNK|0|1|"+billsJSON), "ACK|UPSERT_BILLS_JSON|2")
	expectLines(t, term.send(t, "UPSERT_BILLS_JSON_CHUNK|0|1|"+billsJSON), "ACK|UPSERT_BILLS_JSON|2")

	expectLines(t, term.send(t, "EXPORT_BILLS"),
		"BEGIN_BILLS",
		"BILL|REF001202301|M-001|1699000000|1699432000|20.00|240.00|0.00|24.00|240.00|Paid|DEV-B",
		"BILL|REF002202301|M-002|1699000000|1699432000|20.00|200.00|0.00|20.00|200.00|Pending|DEV-B",
		"END_BILLS",
	)

	expectLines(t, term.send(t, `UPSERT_BILLS_JSON_CHUNK|0|1|[{"reference_number":"REF003202301"`), "ERR|JSON_PARSE_FAILED")
	expectLines(t, term.send(t, `UPSERT_BILLS_JSON_CHUNK|0|1|[{"reference_number":"REF003202301","account_no":"M-001","bill_date":5,"due_date":4}]`), "ERR|BAD_FORMAT")
	expectLines(t, term.send(t, `UPSERT_BILLS_JSON_CHUNK|0|1|[{"reference_number":"REF003202301","account_no":"M-001","type_id":9,"bill_date":5,"due_date":5}]`), "ERR|UPSERT_FAILED")
}

func TestDispatch_BillTransactionChunks(t *testing.T) {
	term := newTerminal(t)
	term.mustAck(t, "UPSERT_CUSTOMERS_JSON|"+customersJSON("M", 1, 2, 2))
	term.mustAck(t, "UPSERT_BILLS_JSON_CHUNK|0|1|"+billsJSON)

	first := `[{"transaction_uid":"tx-1","bill_reference_number":"REF001202301","type":"payment","amount":"240","cash_received":"300","change":"60",` +
		`"transaction_date":1699100000,"processed_by_device_uid":"DEV-B"}]`
	second := `[{"transaction_uid":"tx-2","bill_reference_number":"REF002202301","type":"void","amount":"200",` +
		`"transaction_date":1699200000,"processed_by_device_uid":"DEV-B","notes":"wrong meter \| re-read"}]`

	expectLines(t, term.send(t, "UPSERT_BILL_TRANSACTIONS_JSON_CHUNK|0|2|"+first), "ACK|CHUNK|0")
	expectLines(t, term.send(t, "UPSERT_BILL_TRANSACTIONS_JSON_CHUNK|1|2|"+second), "ERR|BAD_FORMAT")

	second = `[{"transaction_uid":"tx-2","bill_reference_number":"REF002202301","type":"void","amount":"200",` +
		`"transaction_date":1699200000,"processed_by_device_uid":"DEV-B","notes":"wrong meter"}]`
	expectLines(t, term.send(t, "UPSERT_BILL_TRANSACTIONS_JSON_CHUNK|1|2|"+second), "ACK|UPSERT_BILL_TRANSACTIONS_JSON|2")

	expectLines(t, term.send(t, "EXPORT_BILL_TRANSACTIONS"),
		"BEGIN_BILL_TRANSACTIONS",
		"BTXN|tx-1|REF001202301|payment|240.00|300.00|60.00|1699100000|cash|DEV-B|",
		"BTXN|tx-2|REF002202301|void|200.00|0.00|0.00|1699200000|cash|DEV-B|wrong meter",
		"END_BILL_TRANSACTIONS",
	)

	orphan := `[{"transaction_uid":"tx-3","bill_reference_number":"REF404202301","type":"payment","transaction_date":1699300000}]`
	expectLines(t, term.send(t, "UPSERT_BILL_TRANSACTIONS_JSON_CHUNK|0|1|"+orphan), "ERR|UPSERT_FAILED")
}

func TestDispatch_ImportedBillsDoNotCollideWithNewReadings(t *testing.T) {
	term := newTerminal(t)
	term.mustAck(t, "UPSERT_CUSTOMERS_JSON|"+customersJSON("M", 1, 2, 2))
	term.mustAck(t, "UPSERT_BILLS_JSON_CHUNK|0|1|"+billsJSON)

	bill, err := term.readings.Record(context.Background(), "M-001", 112)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if bill.ReferenceNumber != "REF001202302" {
		t.Errorf("Expected reference REF001202302, got %s", bill.ReferenceNumber)
	}
}

func TestDispatch_ExportCustomerTypes(t *testing.T) {
	term := newTerminal(t)
	term.mustAck(t, "UPSERT_CUSTOMER_TYPE|2|Commercial|32.5|5|150|12.25|1690000000|0")

	lines := term.send(t, "EXPORT_CUSTOMER_TYPES")
	expectLines(t, lines,
		"BEGIN_CUSTOMER_TYPES",
		"TYPE|1|Residential|20|10|200|10|1700000000|1700000000",
		"TYPE|2|Commercial|32.5|5|150|12.25|1690000000|1700000000",
		"END_CUSTOMER_TYPES",
	)

	// each line is accepted back as it was exported
	for _, line := range lines[1 : len(lines)-1] {
		_, fields, _ := strings.Cut(line, "|")
		id, _, _ := strings.Cut(fields, "|")
		expectLines(t, term.send(t, "UPSERT_CUSTOMER_TYPE|"+fields), "ACK|UPSERT_CUSTOMER_TYPE|"+id)
	}
	expectLines(t, term.send(t, "EXPORT_CUSTOMER_TYPES"), lines...)
}
