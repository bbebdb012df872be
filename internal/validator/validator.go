package validator

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	playvalidator "github.com/go-playground/validator/v10"
	"github.com/septivank/watersystem-sync/internal/db"
	"github.com/septivank/watersystem-sync/internal/syncerr"
	"github.com/septivank/watersystem-sync/tools/timeparser"
	"github.com/shopspring/decimal"
)

// Customer JSON defaults for absent fields
const (
	DefaultStatus     = "active"
	DefaultTypeID     = 1
	DefaultBarangayID = 1
)

// Imported bill transaction defaults for absent fields
const (
	DefaultSource        = "host"
	DefaultPaymentMethod = "cash"
)

// wireField rejects text that cannot be exported as one field of a
// pipe-delimited line
const wireField = "wirefield"

// CustomerPayload is one element of an UPSERT_CUSTOMERS_JSON array
type CustomerPayload struct {
	AccountNo       string  `json:"account_no" validate:"required,max=32,wirefield"`
	Name            string  `json:"customer_name" validate:"max=255,wirefield"`
	Address         string  `json:"address" validate:"max=255,wirefield"`
	PreviousReading *uint64 `json:"previous_reading"`
	Status          *string `json:"status" validate:"omitempty,oneof=active inactive"`
	TypeID          *int64  `json:"type_id" validate:"omitempty,gt=0"`
	DeductionID     *int64  `json:"deduction_id" validate:"omitempty,gte=0"`
	BarangayID      *int64  `json:"brgy_id" validate:"omitempty,gt=0"`
}

// BillPayload is one element of an UPSERT_BILLS_JSON_CHUNK array
type BillPayload struct {
	ReferenceNumber string          `json:"reference_number" validate:"required,max=32,wirefield"`
	AccountNo       string          `json:"account_no" validate:"required,max=32,wirefield"`
	TypeID          int64           `json:"type_id" validate:"gte=0"`
	DeviceUID       string          `json:"device_uid" validate:"max=64,wirefield"`
	BillDate        int64           `json:"bill_date" validate:"gt=0"`
	DueDate         int64           `json:"due_date" validate:"gtefield=BillDate"`
	RatePerM3       decimal.Decimal `json:"rate_per_m3"`
	Charges         decimal.Decimal `json:"charges"`
	Deductions      decimal.Decimal `json:"deductions"`
	Penalty         decimal.Decimal `json:"penalty"`
	TotalDue        decimal.Decimal `json:"total_due"`
	Status          string          `json:"status" validate:"omitempty,oneof=pending paid void"`
}

// BillTransactionPayload is one element of an
// UPSERT_BILL_TRANSACTIONS_JSON_CHUNK array
type BillTransactionPayload struct {
	UID             string          `json:"transaction_uid" validate:"required,max=64,wirefield"`
	ReferenceNumber string          `json:"bill_reference_number" validate:"required,max=32,wirefield"`
	Type            string          `json:"type" validate:"oneof=payment void"`
	Source          string          `json:"source" validate:"max=32,wirefield"`
	Amount          decimal.Decimal `json:"amount"`
	CashReceived    decimal.Decimal `json:"cash_received"`
	Change          decimal.Decimal `json:"change"`
	TransactionDate int64           `json:"transaction_date" validate:"gt=0"`
	PaymentMethod   string          `json:"payment_method" validate:"max=32,wirefield"`
	DeviceUID       string          `json:"processed_by_device_uid" validate:"max=64,wirefield"`
	Notes           string          `json:"notes" validate:"max=255,wirefield"`
}

var billStatuses = map[string]string{
	"":        db.BillPending,
	"pending": db.BillPending,
	"paid":    db.BillPaid,
	"void":    db.BillVoid,
}

// Chunk is a parsed UPSERT_CUSTOMERS_JSON_CHUNK payload
type Chunk struct {
	Index int
	Total int
	JSON  string
}

// Final reports whether this is the last chunk of the import
func (c Chunk) Final() bool {
	return c.Index == c.Total-1
}

type deductionRecord struct {
	ID    int64   `validate:"gt=0"`
	Name  string  `validate:"required,max=100"`
	Kind  string  `validate:"oneof=flat percentage"`
	Value float64 `validate:"gte=0"`
}

type customerTypeRecord struct {
	ID        int64   `validate:"gt=0"`
	Name      string  `validate:"required,max=100"`
	RatePerM3 float64 `validate:"gte=0"`
	MinM3     int64   `validate:"gte=0"`
	MinCharge float64 `validate:"gte=0"`
	Penalty   float64 `validate:"gte=0"`
}

type barangayRecord struct {
	ID         int64  `validate:"gt=0"`
	Name       string `validate:"required,max=100"`
	Prefix     string `validate:"required,max=8,alphanum"`
	NextNumber int64  `validate:"gt=0"`
}

type settingsRecord struct {
	ID                int64 `validate:"gt=0"`
	BillDueDays       int64 `validate:"gte=0,lte=365"`
	DisconnectionDays int64 `validate:"gte=0,lte=365"`
}

// Validator parses and checks wire payloads. Every parser is strict: arity
// mismatches return ErrFormat, unparsable values ErrParseFailed.
type Validator struct {
	validate *playvalidator.Validate
}

// NewValidator creates a new validator
func NewValidator() *Validator {
	validate := playvalidator.New()
	if err := validate.RegisterValidation(wireField, isWireField); err != nil {
		panic(err)
	}
	return &Validator{validate: validate}
}

func isWireField(fl playvalidator.FieldLevel) bool {
	return !strings.ContainsAny(fl.Field().String(), "|\r\n")
}

// ParseCustomers decodes a JSON array of customers and applies defaults
func (v *Validator) ParseCustomers(raw string) ([]db.Customer, error) {
	var payloads []CustomerPayload
	if err := json.Unmarshal([]byte(raw), &payloads); err != nil {
		return nil, fmt.Errorf("decode customers: %v: %w", err, syncerr.ErrParseFailed)
	}

	customers := make([]db.Customer, 0, len(payloads))
	for i, p := range payloads {
		p.AccountNo = strings.TrimSpace(p.AccountNo)
		if err := v.validate.Struct(p); err != nil {
			return nil, fmt.Errorf("customer %d: %v: %w", i, err, syncerr.ErrFormat)
		}
		customers = append(customers, p.toCustomer())
	}
	return customers, nil
}

func (p CustomerPayload) toCustomer() db.Customer {
	c := db.Customer{
		AccountNo:  p.AccountNo,
		Name:       p.Name,
		Address:    p.Address,
		Status:     DefaultStatus,
		TypeID:     DefaultTypeID,
		BarangayID: DefaultBarangayID,
	}
	if p.PreviousReading != nil {
		c.PreviousReading = *p.PreviousReading
	}
	if p.Status != nil && *p.Status != "" {
		c.Status = *p.Status
	}
	if p.TypeID != nil {
		c.TypeID = *p.TypeID
	}
	// zero means no deduction
	if p.DeductionID != nil && *p.DeductionID > 0 {
		c.DeductionID.Int64 = *p.DeductionID
		c.DeductionID.Valid = true
	}
	if p.BarangayID != nil {
		c.BarangayID = *p.BarangayID
	}
	return c
}

// ParseBills decodes a JSON array of bills exported by another terminal
func (v *Validator) ParseBills(raw string) ([]db.Bill, error) {
	var payloads []BillPayload
	if err := json.Unmarshal([]byte(raw), &payloads); err != nil {
		return nil, fmt.Errorf("decode bills: %v: %w", err, syncerr.ErrParseFailed)
	}

	bills := make([]db.Bill, 0, len(payloads))
	for i, p := range payloads {
		p.ReferenceNumber = strings.TrimSpace(p.ReferenceNumber)
		p.AccountNo = strings.TrimSpace(p.AccountNo)
		p.Status = strings.ToLower(strings.TrimSpace(p.Status))
		if err := v.validate.Struct(p); err != nil {
			return nil, fmt.Errorf("bill %d: %v: %w", i, err, syncerr.ErrFormat)
		}
		if err := nonNegative(p.RatePerM3, p.Charges, p.Deductions, p.Penalty, p.TotalDue); err != nil {
			return nil, fmt.Errorf("bill %s: %w", p.ReferenceNumber, err)
		}
		bills = append(bills, db.Bill{
			ReferenceNumber: p.ReferenceNumber,
			AccountNo:       p.AccountNo,
			TypeID:          p.TypeID,
			DeviceUID:       p.DeviceUID,
			BillDate:        p.BillDate,
			DueDate:         p.DueDate,
			RatePerM3:       p.RatePerM3,
			Charges:         p.Charges,
			Deductions:      p.Deductions,
			Penalty:         p.Penalty,
			TotalDue:        p.TotalDue,
			Status:          billStatuses[p.Status],
		})
	}
	return bills, nil
}

// ParseBillTransactions decodes a JSON array of payments and voids
func (v *Validator) ParseBillTransactions(raw string) ([]db.BillTransaction, error) {
	var payloads []BillTransactionPayload
	if err := json.Unmarshal([]byte(raw), &payloads); err != nil {
		return nil, fmt.Errorf("decode bill transactions: %v: %w", err, syncerr.ErrParseFailed)
	}

	txns := make([]db.BillTransaction, 0, len(payloads))
	for i, p := range payloads {
		p.UID = strings.TrimSpace(p.UID)
		p.ReferenceNumber = strings.TrimSpace(p.ReferenceNumber)
		p.Type = strings.ToLower(strings.TrimSpace(p.Type))
		if err := v.validate.Struct(p); err != nil {
			return nil, fmt.Errorf("bill transaction %d: %v: %w", i, err, syncerr.ErrFormat)
		}
		if err := nonNegative(p.Amount, p.CashReceived, p.Change); err != nil {
			return nil, fmt.Errorf("bill transaction %s: %w", p.UID, err)
		}
		if p.Source == "" {
			p.Source = DefaultSource
		}
		if p.PaymentMethod == "" {
			p.PaymentMethod = DefaultPaymentMethod
		}
		txns = append(txns, db.BillTransaction{
			UID:             p.UID,
			ReferenceNumber: p.ReferenceNumber,
			Type:            p.Type,
			Source:          p.Source,
			Amount:          p.Amount,
			CashReceived:    p.CashReceived,
			Change:          p.Change,
			TransactionDate: p.TransactionDate,
			PaymentMethod:   p.PaymentMethod,
			DeviceUID:       p.DeviceUID,
			Notes:           p.Notes,
		})
	}
	return txns, nil
}

func nonNegative(amounts ...decimal.Decimal) error {
	for _, a := range amounts {
		if a.IsNegative() {
			return fmt.Errorf("negative amount %s: %w", a, syncerr.ErrFormat)
		}
	}
	return nil
}

// ParseChunk splits idx|total|json and unescapes \| inside the JSON
func (v *Validator) ParseChunk(payload string) (Chunk, error) {
	parts := strings.SplitN(payload, "|", 3)
	if len(parts) != 3 {
		return Chunk{}, fmt.Errorf("chunk header: %w", syncerr.ErrFormat)
	}

	index, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return Chunk{}, fmt.Errorf("chunk index %q: %w", parts[0], syncerr.ErrFormat)
	}
	total, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return Chunk{}, fmt.Errorf("chunk total %q: %w", parts[1], syncerr.ErrFormat)
	}
	if total < 1 || index < 0 || index >= total {
		return Chunk{}, fmt.Errorf("chunk %d of %d out of range: %w", index, total, syncerr.ErrFormat)
	}

	return Chunk{
		Index: index,
		Total: total,
		JSON:  strings.ReplaceAll(parts[2], `\|`, "|"),
	}, nil
}

// ParseDeduction parses id|name|type|value|created_at|updated_at
func (v *Validator) ParseDeduction(payload string) (*db.Deduction, error) {
	f, err := fields(payload, 6)
	if err != nil {
		return nil, err
	}

	var rec deductionRecord
	p := &parser{}
	rec.ID = p.integer(f[0])
	rec.Name = f[1]
	rec.Kind = strings.ToLower(f[2])
	rec.Value = p.number(f[3])
	createdAt := p.timestamp(f[4])
	p.timestamp(f[5])
	if p.err != nil {
		return nil, p.err
	}

	if err := v.validate.Struct(rec); err != nil {
		return nil, fmt.Errorf("deduction: %v: %w", err, syncerr.ErrFormat)
	}
	if rec.Kind == db.DeductionPercentage && rec.Value > 100 {
		return nil, fmt.Errorf("deduction percentage %.2f above 100: %w", rec.Value, syncerr.ErrFormat)
	}

	return &db.Deduction{
		ID:        rec.ID,
		Name:      rec.Name,
		Kind:      rec.Kind,
		Value:     rec.Value,
		CreatedAt: createdAt,
	}, nil
}

// ParseCustomerType parses id|name|rate|min_m3|min_charge|penalty|created_at|updated_at
func (v *Validator) ParseCustomerType(payload string) (*db.CustomerType, error) {
	f, err := fields(payload, 8)
	if err != nil {
		return nil, err
	}

	var rec customerTypeRecord
	p := &parser{}
	rec.ID = p.integer(f[0])
	rec.Name = f[1]
	rec.RatePerM3 = p.number(f[2])
	rec.MinM3 = p.integer(f[3])
	rec.MinCharge = p.number(f[4])
	rec.Penalty = p.number(f[5])
	createdAt := p.timestamp(f[6])
	p.timestamp(f[7])
	if p.err != nil {
		return nil, p.err
	}

	if err := v.validate.Struct(rec); err != nil {
		return nil, fmt.Errorf("customer type: %v: %w", err, syncerr.ErrFormat)
	}

	return &db.CustomerType{
		ID:        rec.ID,
		Name:      rec.Name,
		RatePerM3: rec.RatePerM3,
		MinM3:     rec.MinM3,
		MinCharge: rec.MinCharge,
		Penalty:   rec.Penalty,
		CreatedAt: createdAt,
	}, nil
}

// ParseBarangay parses id|name|prefix|next_number|created_at|updated_at
func (v *Validator) ParseBarangay(payload string) (*db.Barangay, error) {
	f, err := fields(payload, 6)
	if err != nil {
		return nil, err
	}

	var rec barangayRecord
	p := &parser{}
	rec.ID = p.integer(f[0])
	rec.Name = f[1]
	rec.Prefix = strings.ToUpper(f[2])
	rec.NextNumber = p.integer(f[3])
	createdAt := p.timestamp(f[4])
	p.timestamp(f[5])
	if p.err != nil {
		return nil, p.err
	}

	if err := v.validate.Struct(rec); err != nil {
		return nil, fmt.Errorf("barangay: %v: %w", err, syncerr.ErrFormat)
	}

	return &db.Barangay{
		ID:         rec.ID,
		Name:       rec.Name,
		Prefix:     rec.Prefix,
		NextNumber: rec.NextNumber,
		CreatedAt:  createdAt,
	}, nil
}

// ParseSettings parses id|bill_due_days|disconnection_days
func (v *Validator) ParseSettings(payload string) (*db.Settings, error) {
	f, err := fields(payload, 3)
	if err != nil {
		return nil, err
	}

	var rec settingsRecord
	p := &parser{}
	rec.ID = p.integer(f[0])
	rec.BillDueDays = p.integer(f[1])
	rec.DisconnectionDays = p.integer(f[2])
	if p.err != nil {
		return nil, p.err
	}

	if err := v.validate.Struct(rec); err != nil {
		return nil, fmt.Errorf("settings: %v: %w", err, syncerr.ErrFormat)
	}

	return &db.Settings{
		ID:                rec.ID,
		BillDueDays:       rec.BillDueDays,
		DisconnectionDays: rec.DisconnectionDays,
	}, nil
}

// ParseAccountNo checks a bare account number
func (v *Validator) ParseAccountNo(raw string) (string, error) {
	accountNo := strings.TrimSpace(raw)
	if err := v.validate.Var(accountNo, "required,max=32,wirefield"); err != nil {
		return "", fmt.Errorf("account number %q: %w", raw, syncerr.ErrFormat)
	}
	return accountNo, nil
}

// ParseEpoch parses a non-zero unsigned 32-bit epoch
func (v *Validator) ParseEpoch(raw string) (int64, error) {
	epoch, err := timeparser.ParseEpoch(raw)
	if err != nil {
		return 0, fmt.Errorf("%v: %w", err, syncerr.ErrParseFailed)
	}
	return int64(epoch), nil
}

func fields(payload string, want int) ([]string, error) {
	f := strings.Split(payload, "|")
	if len(f) != want {
		return nil, fmt.Errorf("expected %d fields, got %d: %w", want, len(f), syncerr.ErrFormat)
	}
	for i := range f {
		f[i] = strings.TrimSpace(f[i])
	}
	return f, nil
}

// parser records the first conversion failure so callers check once
type parser struct {
	err error
}

func (p *parser) integer(s string) int64 {
	if p.err != nil {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		p.err = fmt.Errorf("integer %q: %w", s, syncerr.ErrParseFailed)
	}
	return n
}

func (p *parser) number(s string) float64 {
	if p.err != nil {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		p.err = fmt.Errorf("number %q: %w", s, syncerr.ErrParseFailed)
		return 0
	}
	return f
}

// timestamp accepts an epoch or an empty field, which means unknown
func (p *parser) timestamp(s string) int64 {
	if s == "" {
		return 0
	}
	return p.integer(s)
}
