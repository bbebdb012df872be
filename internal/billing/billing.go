// Package billing computes water bill amounts with decimal money math.
package billing

import (
	"fmt"
	"time"

	"github.com/septivank/watersystem-sync/internal/db"
	"github.com/septivank/watersystem-sync/internal/syncerr"
	"github.com/shopspring/decimal"
)

const places = 2

var hundred = decimal.NewFromInt(100)

// Amounts is the priced result for one reading
type Amounts struct {
	RatePerM3  decimal.Decimal
	Charges    decimal.Decimal
	Deductions decimal.Decimal
	Penalty    decimal.Decimal
	TotalDue   decimal.Decimal
}

// Compute prices usage under a customer type. The minimum charge covers the
// first MinM3 cubic meters and the excess is billed at RatePerM3. A
// percentage deduction applies to charges; any deduction is capped at
// charges. Penalty is the surcharge owed when paid after the due date.
func Compute(usage uint64, ct *db.CustomerType, d *db.Deduction) Amounts {
	rate := decimal.NewFromFloat(ct.RatePerM3)
	minCharge := decimal.NewFromFloat(ct.MinCharge)

	var charges decimal.Decimal
	if minM3 := uint64(max(ct.MinM3, 0)); usage > minM3 {
		excess := decimal.NewFromInt(int64(usage - minM3))
		charges = minCharge.Add(excess.Mul(rate))
	} else {
		charges = minCharge
	}
	charges = charges.Round(places)

	deductions := decimal.Zero
	if d != nil {
		value := decimal.NewFromFloat(d.Value)
		switch d.Kind {
		case db.DeductionPercentage:
			deductions = charges.Mul(value).Div(hundred)
		case db.DeductionFlat:
			deductions = value
		}
		deductions = decimal.Min(deductions, charges).Round(places)
	}

	penalty := charges.Mul(decimal.NewFromFloat(ct.Penalty)).Div(hundred).Round(places)

	return Amounts{
		RatePerM3:  rate,
		Charges:    charges,
		Deductions: deductions,
		Penalty:    penalty,
		TotalDue:   charges.Sub(deductions),
	}
}

// DueDate returns the epoch dueDays calendar days after billDate in loc
func DueDate(billDate int64, dueDays int64, loc *time.Location) int64 {
	t := time.Unix(billDate, 0).In(loc)
	return t.AddDate(0, 0, int(dueDays)).Unix()
}

// AmountDue is the total owed at now, including the penalty once the due
// date has passed
func AmountDue(b *db.Bill, now int64) decimal.Decimal {
	if now > b.DueDate {
		return b.TotalDue.Add(b.Penalty)
	}
	return b.TotalDue
}

// Change returns cash minus due. Cash below the amount due is rejected.
func Change(cash, due decimal.Decimal) (decimal.Decimal, error) {
	if cash.LessThan(due) {
		return decimal.Zero, fmt.Errorf("cash %s below amount due %s: %w", cash.StringFixed(places), due.StringFixed(places), syncerr.ErrFormat)
	}
	return cash.Sub(due), nil
}
