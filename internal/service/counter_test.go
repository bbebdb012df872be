package service_test

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/septivank/watersystem-sync/internal/protocol"
	"github.com/septivank/watersystem-sync/internal/service"
	"github.com/septivank/watersystem-sync/internal/validator"
	"go.uber.org/zap"
)

type counterLink struct {
	out     *bytes.Buffer
	counter *service.Counter
}

func newCounterLink(term *terminal) *counterLink {
	out := &bytes.Buffer{}
	return &counterLink{
		out:     out,
		counter: service.NewCounter(term.readings, term.billing, validator.NewValidator(), protocol.NewWriter(out), zap.NewNop()),
	}
}

func (c *counterLink) send(t *testing.T, line string) string {
	t.Helper()
	c.out.Reset()
	if err := c.counter.Dispatch(context.Background(), line); err != nil {
		t.Fatalf("counter %q: %v", line, err)
	}
	return strings.TrimSuffix(c.out.String(), "\n")
}

func TestCounter_ReadPayPrint(t *testing.T) {
	term := newTerminal(t)
	term.mustAck(t, `UPSERT_CUSTOMERS_JSON|[{"account_no":"M-001","previous_reading":100,"brgy_id":2}]`)
	link := newCounterLink(term)

	if got := link.send(t, "RECORD_READING|M-001|112"); got != "ACK|RECORD_READING|REF001202301|240.00|1700432000" {
		t.Fatalf("Unexpected reply %q", got)
	}

	got := link.send(t, "PAY_BILL|REF001202301|300")
	f := strings.Split(got, "|")
	if len(f) != 5 || f[0] != "ACK" || f[1] != "PAY_BILL" || f[3] != "240.00" || f[4] != "60.00" {
		t.Errorf("Unexpected payment reply %q", got)
	}

	if got := link.send(t, "PAY_BILL|REF001202301|300"); got != "ERR|BAD_FORMAT" {
		t.Errorf("Expected paid bill to be refused, got %q", got)
	}
	if got := link.send(t, "PRINT_RECEIPT"); got != "ACK|PRINT_RECEIPT|1" {
		t.Errorf("Expected first print, got %q", got)
	}

	lines := term.send(t, "EXPORT_BILL_TRANSACTIONS")
	if len(lines) != 3 || !strings.HasPrefix(lines[1], "BTXN|"+f[2]+"|REF001202301|payment|240.00|300.00|60.00|") {
		t.Errorf("Expected payment in export, got %v", lines)
	}
}

func TestCounter_Void(t *testing.T) {
	term := newTerminal(t)
	term.mustAck(t, `UPSERT_CUSTOMERS_JSON|[{"account_no":"M-001","previous_reading":100,"brgy_id":2}]`)
	link := newCounterLink(term)
	link.send(t, "RECORD_READING|M-001|112")

	if got := link.send(t, "VOID_BILL|REF001202301|wrong | meter"); got != "ERR|BAD_FORMAT" {
		t.Errorf("Expected piped notes to be refused, got %q", got)
	}
	if got := link.send(t, "VOID_BILL|REF001202301|wrong meter"); !strings.HasPrefix(got, "ACK|VOID_BILL|") {
		t.Fatalf("Unexpected void reply %q", got)
	}

	lines := term.send(t, "EXPORT_BILLS")
	if len(lines) != 3 || !strings.Contains(lines[1], "|Void|") {
		t.Errorf("Expected voided bill, got %v", lines)
	}
}

func TestCounter_Errors(t *testing.T) {
	term := newTerminal(t)
	term.mustAck(t, `UPSERT_CUSTOMERS_JSON|[{"account_no":"M-001","previous_reading":100,"brgy_id":2}]`)
	link := newCounterLink(term)

	tests := []struct {
		name string
		line string
		want string
	}{
		{"unknown command", "EXPORT_CUSTOMERS", "ERR|UNKNOWN_COMMAND|EXPORT_CUSTOMERS"},
		{"missing reading", "RECORD_READING|M-001", "ERR|BAD_FORMAT"},
		{"bad reading", "RECORD_READING|M-001|lots", "ERR|BAD_FORMAT"},
		{"blank account", "RECORD_READING| |120", "ERR|BAD_ACCOUNT_NO"},
		{"unknown account", "RECORD_READING|M-404|120", "ERR|CUSTOMER_NOT_FOUND"},
		{"reading below previous", "RECORD_READING|M-001|90", "ERR|BAD_FORMAT"},
		{"unknown bill", "PAY_BILL|REF404202301|100", "ERR|BILL_NOT_FOUND"},
		{"bad cash", "PAY_BILL|REF404202301|-5", "ERR|BAD_FORMAT"},
		{"void unknown bill", "VOID_BILL|REF404202301|typo", "ERR|BILL_NOT_FOUND"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := link.send(t, tt.line); got != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, got)
			}
		})
	}

	link.send(t, "RECORD_READING|M-001|112")
	if got := link.send(t, "PAY_BILL|REF001202301|100"); got != "ERR|BAD_FORMAT" {
		t.Errorf("Expected short cash to be refused, got %q", got)
	}
}

func TestCounter_StorageUnavailable(t *testing.T) {
	term := newTerminal(t)
	link := newCounterLink(term)
	term.store.Close()

	if got := link.send(t, "PRINT_RECEIPT"); got != "ERR|STORAGE_UNAVAILABLE" {
		t.Errorf("Expected STORAGE_UNAVAILABLE, got %q", got)
	}
}
