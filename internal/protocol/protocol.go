// Package protocol implements the line-oriented sync protocol spoken over
// the serial link. Requests are newline-terminated commands; replies are a
// single ACK or ERR line or a BEGIN_<NAME> ... END_<NAME> block.
package protocol

import (
	"strings"
	"unicode/utf8"
)

// Commands
const (
	CmdExportCustomers        = "EXPORT_CUSTOMERS"
	CmdExportCustomerTypes    = "EXPORT_CUSTOMER_TYPES"
	CmdExportDeviceInfo       = "EXPORT_DEVICE_INFO"
	CmdExportReadings         = "EXPORT_READINGS"
	CmdExportBills            = "EXPORT_BILLS"
	CmdExportBillTransactions = "EXPORT_BILL_TRANSACTIONS"
	CmdSetTime                = "SET_TIME"
	CmdSetLastSync            = "SET_LAST_SYNC"
	CmdReadingsSynced         = "READINGS_SYNCED"
	CmdUpsertCustomersJSON    = "UPSERT_CUSTOMERS_JSON"
	CmdUpsertCustomersChunk   = "UPSERT_CUSTOMERS_JSON_CHUNK"
	CmdUpsertDeduction        = "UPSERT_DEDUCTION"
	CmdUpsertCustomerType     = "UPSERT_CUSTOMER_TYPE"
	CmdUpsertBarangay         = "UPSERT_BARANGAY"
	CmdUpsertSettings         = "UPSERT_SETTINGS"
	CmdRemoveCustomer         = "REMOVE_CUSTOMER"
	CmdReloadSD               = "RELOAD_SD"
	CmdFormatSD               = "FORMAT_SD"
	CmdDropDB                 = "DROP_DB"
	CmdRestartDevice          = "RESTART_DEVICE"
)

// Counter link commands
const (
	CmdRecordReading = "RECORD_READING"
	CmdPayBill       = "PAY_BILL"
	CmdVoidBill      = "VOID_BILL"
	CmdPrintReceipt  = "PRINT_RECEIPT"
)

// Chunked imports. Each family is sent as <family>_CHUNK|idx|total|json;
// the final chunk is acknowledged with the family name and the row total.
const (
	ChunkSuffix = "_CHUNK"
	ChunkAck    = "CHUNK"

	FamilyNewCustomers     = "UPSERT_NEW_CUSTOMER_JSON"
	FamilyUpdatedCustomers = "UPSERT_UPDATED_CUSTOMER_JSON"
	FamilyBills            = "UPSERT_BILLS_JSON"
	FamilyBillTransactions = "UPSERT_BILL_TRANSACTIONS_JSON"

	CmdUpsertNewCustomersChunk     = FamilyNewCustomers + ChunkSuffix
	CmdUpsertUpdatedCustomersChunk = FamilyUpdatedCustomers + ChunkSuffix
	CmdUpsertBillsChunk            = FamilyBills + ChunkSuffix
	CmdUpsertBillTransactionsChunk = FamilyBillTransactions + ChunkSuffix
)

// Block names
const (
	BlockCustomers        = "CUSTOMERS"
	BlockCustomerTypes    = "CUSTOMER_TYPES"
	BlockDeviceInfo       = "DEVICE_INFO"
	BlockReadings         = "READINGS"
	BlockBills            = "BILLS"
	BlockBillTransactions = "BILL_TRANSACTIONS"
)

// Record tags for lines inside blocks
const (
	TagCustomer        = "CUST"
	TagCustomerType    = "TYPE"
	TagReading         = "READ"
	TagInfo            = "INFO"
	TagBill            = "BILL"
	TagBillTransaction = "BTXN"
)

// Reply prefixes
const (
	PrefixAck   = "ACK"
	PrefixErr   = "ERR"
	PrefixBegin = "BEGIN_"
	PrefixEnd   = "END_"
)

// Separator splits fields on the wire
const Separator = "|"

var sanitizer = strings.NewReplacer("\r", " ", "\n", " ", Separator, " ")

// Sanitize makes a value safe to embed as one field
func Sanitize(s string) string {
	return sanitizer.Replace(s)
}

// Join sanitizes each field and joins them with the separator
func Join(fields ...string) string {
	clean := make([]string, len(fields))
	for i, f := range fields {
		clean[i] = Sanitize(f)
	}
	return strings.Join(clean, Separator)
}

// EscapeChunk escapes separators inside a JSON chunk payload
func EscapeChunk(json string) string {
	return strings.ReplaceAll(json, Separator, `\`+Separator)
}

// Truncate cuts s to at most n bytes without splitting a UTF-8 sequence
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
