package service_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/septivank/watersystem-sync/internal/anomaly"
	"github.com/septivank/watersystem-sync/internal/clock"
	"github.com/septivank/watersystem-sync/internal/config"
	"github.com/septivank/watersystem-sync/internal/db"
	"github.com/septivank/watersystem-sync/internal/ledger"
	"github.com/septivank/watersystem-sync/internal/protocol"
	"github.com/septivank/watersystem-sync/internal/report"
	"github.com/septivank/watersystem-sync/internal/repository"
	"github.com/septivank/watersystem-sync/internal/service"
	"github.com/septivank/watersystem-sync/internal/storage"
	"github.com/septivank/watersystem-sync/internal/validator"
	"go.uber.org/zap"
)

const testEpoch = 1700000000

type fixedUptime struct{}

func (fixedUptime) Seconds() int64 { return 100 }

type countingRestarter struct {
	calls int
}

func (r *countingRestarter) Restart() error {
	r.calls++
	return nil
}

type terminal struct {
	cfg        *config.Config
	medium     *storage.Medium
	store      *db.Store
	repo       *repository.Repository
	ledger     *ledger.Ledger
	clock      *clock.Clock
	out        *bytes.Buffer
	dispatcher *service.Dispatcher
	readings   *service.ReadingService
	billing    *service.BillingService
	restarter  *countingRestarter
	fed        int
}

func newTerminal(t *testing.T) *terminal {
	t.Helper()
	logger := zap.NewNop()

	cfg := &config.Config{
		Device: config.DeviceConfig{
			ID:              "2",
			BarangayID:      2,
			UID:             "DEV-TEST",
			Name:            "Makilas-1",
			Type:            "Go Water System",
			FirmwareVersion: "v1.0.0",
		},
		Import:  config.ImportConfig{MaxChunkBytes: 16384, WatchdogEvery: 2},
		Anomaly: config.AnomalyConfig{SpikeThreshold: 3, MinDataPointsForDetection: 3, HistoryLimit: 6},
	}

	medium := storage.NewMedium(t.TempDir(), logger)
	store := db.NewStore(medium, medium.Path("watersystem.db"), logger)
	if err := store.Open(context.Background()); err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	clk := clock.New(fixedUptime{}, clock.NewFileOffsetStore(medium, medium.Path("SETTINGS", "time_offset.txt")), time.UTC, logger)
	if err := clk.SetEpoch(testEpoch); err != nil {
		t.Fatalf("set clock: %v", err)
	}

	term := &terminal{
		cfg:       cfg,
		medium:    medium,
		store:     store,
		repo:      repository.NewRepository(clk.Now),
		ledger:    ledger.New(medium, medium.Path("READINGS", "readings.psv"), logger),
		clock:     clk,
		out:       &bytes.Buffer{},
		restarter: &countingRestarter{},
	}

	reporter := report.NewReporter(cfg.Device, clk, store, term.repo, term.ledger, medium, logger)
	term.dispatcher = service.NewDispatcher(
		cfg, store, term.repo, term.ledger, clk, medium,
		validator.NewValidator(),
		reporter,
		protocol.NewWriter(term.out),
		service.WatchdogFunc(func() { term.fed++ }),
		term.restarter,
		logger,
	)
	term.readings = service.NewReadingService(cfg, store, term.repo, term.ledger, clk, anomaly.NewDetector(3, 3), logger)
	term.billing = service.NewBillingService(cfg, store, term.repo, clk, logger)

	term.mustAck(t, "UPSERT_CUSTOMER_TYPE|1|Residential|20|10|200|10|0|0")
	return term
}

// send dispatches one line and returns the reply lines
func (term *terminal) send(t *testing.T, line string) []string {
	t.Helper()
	term.out.Reset()
	if err := term.dispatcher.Dispatch(context.Background(), line); err != nil {
		t.Fatalf("dispatch %q: %v", line, err)
	}
	return strings.Split(strings.TrimSuffix(term.out.String(), "\n"), "\n")
}

func (term *terminal) mustAck(t *testing.T, line string) []string {
	t.Helper()
	lines := term.send(t, line)
	if !strings.HasPrefix(lines[0], "ACK|") {
		t.Fatalf("%q: expected ACK, got %v", line, lines)
	}
	return lines
}

func (term *terminal) customerCount(t *testing.T) int {
	t.Helper()
	var n int
	err := term.store.View(context.Background(), func(q db.Querier) error {
		var err error
		n, err = term.repo.CountCustomers(context.Background(), q)
		return err
	})
	if err != nil {
		t.Fatalf("count customers: %v", err)
	}
	return n
}

func customersJSON(prefix string, from, n int, brgyID int) string {
	items := make([]string, n)
	for i := range items {
		items[i] = fmt.Sprintf(`{"account_no":"%s-%03d","customer_name":"Customer %d","previous_reading":100,"type_id":1,"brgy_id":%d}`,
			prefix, from+i, from+i, brgyID)
	}
	return "[" + strings.Join(items, ",") + "]"
}

func expectLines(t *testing.T, got []string, want ...string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("Expected %d lines %v, got %d lines %v", len(want), want, len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("line %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}

func TestDispatch_UnknownCommand(t *testing.T) {
	term := newTerminal(t)

	expectLines(t, term.send(t, "FROBNICATE"), "ERR|UNKNOWN_COMMAND|FROBNICATE")
	expectLines(t, term.send(t, "EXPORT_CUSTOMERS|extra"), "ERR|UNKNOWN_COMMAND|EXPORT_CUSTOMERS")

	long := strings.Repeat("X", 80)
	expectLines(t, term.send(t, long), "ERR|UNKNOWN_COMMAND|"+long[:48])

	// the cut backs off to the start of a split rune
	accented := "X" + strings.Repeat("Ñ", 30)
	expectLines(t, term.send(t, accented), "ERR|UNKNOWN_COMMAND|X"+strings.Repeat("Ñ", 23))
}

func TestDispatch_BlankLineIgnored(t *testing.T) {
	term := newTerminal(t)

	if lines := term.send(t, "  \r"); lines[0] != "" {
		t.Errorf("Expected no reply, got %v", lines)
	}
}

func TestDispatch_UpsertCustomersTwiceKeepsOneRow(t *testing.T) {
	term := newTerminal(t)
	line := "UPSERT_CUSTOMERS_JSON|" + customersJSON("M", 1, 1, 2)

	expectLines(t, term.send(t, line), "ACK|UPSERT_CUSTOMERS_JSON|1")
	expectLines(t, term.send(t, line), "ACK|UPSERT_CUSTOMERS_JSON|1")

	if n := term.customerCount(t); n != 1 {
		t.Errorf("Expected 1 customer, got %d", n)
	}
}

func TestDispatch_UpsertCustomersJSONErrors(t *testing.T) {
	term := newTerminal(t)

	tests := []struct {
		name string
		line string
		want string
	}{
		{"malformed json", `UPSERT_CUSTOMERS_JSON|[{"account_no":`, "ERR|JSON_PARSE_FAILED"},
		{"missing account", `UPSERT_CUSTOMERS_JSON|[{"customer_name":"Ana"}]`, "ERR|BAD_FORMAT"},
		{"unknown barangay", "UPSERT_CUSTOMERS_JSON|" + customersJSON("M", 1, 1, 99), "ERR|UPSERT_FAILED"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expectLines(t, term.send(t, tt.line), tt.want)
		})
	}

	if n := term.customerCount(t); n != 0 {
		t.Errorf("Expected no customers after failed imports, got %d", n)
	}
}

func TestDispatch_ChunkedImport(t *testing.T) {
	term := newTerminal(t)

	expectLines(t, term.send(t, "UPSERT_CUSTOMERS_JSON_CHUNK|0|3|"+customersJSON("M", 0, 10, 2)), "ACK|CHUNK|0")

	// one dangling barangay fails the whole second chunk
	bad := customersJSON("M", 10, 9, 2)
	bad = strings.TrimSuffix(bad, "]") + `,{"account_no":"M-019","brgy_id":99}]`
	expectLines(t, term.send(t, "UPSERT_CUSTOMERS_JSON_CHUNK|1|3|"+bad), "ERR|UPSERT_FAILED")

	if n := term.customerCount(t); n != 10 {
		t.Fatalf("Expected 10 committed customers, got %d", n)
	}

	expectLines(t, term.send(t, "UPSERT_CUSTOMERS_JSON_CHUNK|1|3|"+customersJSON("M", 10, 10, 2)), "ACK|CHUNK|1")
	expectLines(t, term.send(t, "UPSERT_CUSTOMERS_JSON_CHUNK|1|3|"+customersJSON("M", 10, 10, 2)), "ACK|CHUNK|1")
	expectLines(t, term.send(t, "UPSERT_CUSTOMERS_JSON_CHUNK|2|3|"+customersJSON("M", 20, 5, 2)), "ACK|UPSERT_CUSTOMERS_JSON|25")

	if n := term.customerCount(t); n != 25 {
		t.Errorf("Expected 25 customers, got %d", n)
	}
	if term.fed == 0 {
		t.Error("Expected watchdog to be fed during import")
	}
}

func TestDispatch_ChunkErrors(t *testing.T) {
	term := newTerminal(t)
	term.cfg.Import.MaxChunkBytes = 64

	expectLines(t, term.send(t, "UPSERT_CUSTOMERS_JSON_CHUNK|0|1|"+customersJSON("M", 0, 5, 2)), "ERR|CHUNK_TOO_LARGE")
	expectLines(t, term.send(t, "UPSERT_CUSTOMERS_JSON_CHUNK|x|1|[]"), "ERR|BAD_CHUNK_FORMAT")
	expectLines(t, term.send(t, "UPSERT_CUSTOMERS_JSON_CHUNK|2|1|[]"), "ERR|BAD_CHUNK_FORMAT")
}

func TestDispatch_ExportCustomers(t *testing.T) {
	term := newTerminal(t)
	term.mustAck(t, "UPSERT_DEDUCTION|3|Senior|percentage|20|0|0")
	term.mustAck(t, `UPSERT_CUSTOMERS_JSON|[{"account_no":"M-001","customer_name":"Ana Cruz","address":"Purok 1","previous_reading":100,"deduction_id":3,"brgy_id":2},{"account_no":"D-002","customer_name":"Ben","status":"inactive"}]`)

	// text that would split an exported line is refused at import
	expectLines(t, term.send(t, `UPSERT_CUSTOMERS_JSON|[{"account_no":"M-001","customer_name":"Ana | Cruz"}]`), "ERR|BAD_FORMAT")
	expectLines(t, term.send(t, `UPSERT_CUSTOMERS_JSON|[{"account_no":"M-003","address":"Purok 1\r\nZone 2"}]`), "ERR|BAD_FORMAT")

	expectLines(t, term.send(t, "EXPORT_CUSTOMERS"),
		"BEGIN_CUSTOMERS",
		"CUST|M-001|Ana Cruz|Purok 1|100|active|1|3|2",
		"CUST|D-002|Ben||0|inactive|1|0|1",
		"END_CUSTOMERS",
	)
}

func TestDispatch_ExportEmptyBlocks(t *testing.T) {
	term := newTerminal(t)

	expectLines(t, term.send(t, "EXPORT_CUSTOMERS"), "BEGIN_CUSTOMERS", "END_CUSTOMERS")
	expectLines(t, term.send(t, "EXPORT_READINGS"), "BEGIN_READINGS", "END_READINGS")
	expectLines(t, term.send(t, "EXPORT_BILLS"), "BEGIN_BILLS", "END_BILLS")
	expectLines(t, term.send(t, "EXPORT_BILL_TRANSACTIONS"), "BEGIN_BILL_TRANSACTIONS", "END_BILL_TRANSACTIONS")
}

func TestDispatch_ExportDeviceInfo(t *testing.T) {
	term := newTerminal(t)

	lines := term.send(t, "EXPORT_DEVICE_INFO")
	if lines[0] != "BEGIN_DEVICE_INFO" || lines[len(lines)-1] != "END_DEVICE_INFO" {
		t.Fatalf("Expected DEVICE_INFO block, got %v", lines)
	}
	got := strings.Join(lines, "\n")
	for _, want := range []string{
		"INFO|device_uid|DEV-TEST",
		"INFO|brgy_id|2",
		fmt.Sprintf("INFO|device_epoch|%d", testEpoch),
		"INFO|sd_present|1",
	} {
		if !strings.Contains(got, want+"\n") {
			t.Errorf("Expected %q in report", want)
		}
	}
}

func TestDispatch_SetTime(t *testing.T) {
	term := newTerminal(t)

	expectLines(t, term.send(t, "SET_TIME|1800000000"), "ACK|SET_TIME|1800000000")
	if now := term.clock.Now(); now != 1800000000 {
		t.Errorf("Expected clock 1800000000, got %d", now)
	}

	expectLines(t, term.send(t, "SET_TIME|soon"), "ERR|BAD_TIME")
	expectLines(t, term.send(t, "SET_LAST_SYNC|-"), "ERR|BAD_LAST_SYNC")
	expectLines(t, term.send(t, "SET_LAST_SYNC|1799999000"), "ACK|SET_LAST_SYNC|1799999000")
}

func TestDispatch_RemoveCustomer(t *testing.T) {
	term := newTerminal(t)
	term.mustAck(t, "UPSERT_CUSTOMERS_JSON|"+customersJSON("M", 1, 1, 2))

	expectLines(t, term.send(t, "REMOVE_CUSTOMER|M-001"), "ACK|REMOVE_CUSTOMER|M-001")
	expectLines(t, term.send(t, "REMOVE_CUSTOMER|M-001"), "ERR|CUSTOMER_NOT_FOUND")
	expectLines(t, term.send(t, "REMOVE_CUSTOMER|"), "ERR|BAD_ACCOUNT_NO")
}

func TestDispatch_CatalogUpserts(t *testing.T) {
	term := newTerminal(t)

	expectLines(t, term.send(t, "UPSERT_DEDUCTION|2|PWD|flat|50|0|0"), "ACK|UPSERT_DEDUCTION|2")
	expectLines(t, term.send(t, "UPSERT_DEDUCTION|2|PWD|flat"), "ERR|BAD_FORMAT")
	expectLines(t, term.send(t, "UPSERT_BARANGAY|5|Poblacion|P|1|0|0"), "ACK|UPSERT_BARANGAY|5")
	expectLines(t, term.send(t, "UPSERT_SETTINGS|1|7|10"), "ACK|UPSERT_SETTINGS|1")
	expectLines(t, term.send(t, "UPSERT_CUSTOMER_TYPE|2|Commercial|abc|10|200|10|0|0"), "ERR|BAD_FORMAT")
}

func TestDispatch_StorageUnavailable(t *testing.T) {
	term := newTerminal(t)
	term.store.Close()

	for _, line := range []string{
		"EXPORT_CUSTOMERS",
		"UPSERT_CUSTOMERS_JSON|" + customersJSON("M", 1, 1, 2),
		"REMOVE_CUSTOMER|M-001",
		"SET_LAST_SYNC|1700000000",
	} {
		expectLines(t, term.send(t, line), "ERR|STORAGE_UNAVAILABLE")
	}

	expectLines(t, term.send(t, "RELOAD_SD"), "ACK|RELOAD_SD")
	expectLines(t, term.send(t, "EXPORT_CUSTOMERS"), "BEGIN_CUSTOMERS", "END_CUSTOMERS")
}

func TestDispatch_FormatSD(t *testing.T) {
	term := newTerminal(t)
	term.mustAck(t, "UPSERT_CUSTOMERS_JSON|"+customersJSON("M", 1, 3, 2))

	lines := term.send(t, "FORMAT_SD")
	if !strings.HasPrefix(lines[0], "ACK|FORMAT_SD|") || lines[0] == "ACK|FORMAT_SD|ALREADY_EMPTY" {
		t.Fatalf("Expected removal count, got %v", lines)
	}
	expectLines(t, term.send(t, "EXPORT_CUSTOMERS"), "ERR|STORAGE_UNAVAILABLE")
	expectLines(t, term.send(t, "FORMAT_SD"), "ACK|FORMAT_SD|ALREADY_EMPTY")

	expectLines(t, term.send(t, "RELOAD_SD"), "ACK|RELOAD_SD")
	if n := term.customerCount(t); n != 0 {
		t.Errorf("Expected empty store after format, got %d customers", n)
	}
}

func TestDispatch_DropDB(t *testing.T) {
	term := newTerminal(t)
	term.mustAck(t, "UPSERT_CUSTOMERS_JSON|"+customersJSON("M", 1, 3, 2))

	expectLines(t, term.send(t, "DROP_DB"), "ACK|DROP_DB")
	if n := term.customerCount(t); n != 0 {
		t.Errorf("Expected empty store after drop, got %d customers", n)
	}
}

func TestDispatch_RestartDevice(t *testing.T) {
	term := newTerminal(t)

	expectLines(t, term.send(t, "RESTART_DEVICE"), "ACK|RESTART_DEVICE")
	if term.restarter.calls != 1 {
		t.Errorf("Expected 1 restart, got %d", term.restarter.calls)
	}
}

func TestDispatch_ExportReimportIsIdempotent(t *testing.T) {
	term := newTerminal(t)
	term.mustAck(t, "UPSERT_DEDUCTION|3|Senior|percentage|20|0|0")
	term.mustAck(t, `UPSERT_CUSTOMERS_JSON|[{"account_no":"M-001","customer_name":"Peña, Ana \\ Cruz","address":"Purok 1, \"Zone\" 2","previous_reading":100,"deduction_id":3,"brgy_id":2},{"account_no":"D-002","customer_name":"Ben","status":"inactive"}]`)
	expectLines(t, term.send(t, `UPSERT_CUSTOMERS_JSON|[{"account_no":"D-002","customer_name":"Ben | Dela Cruz"}]`), "ERR|BAD_FORMAT")

	before := term.send(t, "EXPORT_CUSTOMERS")
	if before[1] != `CUST|M-001|Peña, Ana \ Cruz|Purok 1, "Zone" 2|100|active|1|3|2` {
		t.Fatalf("Unexpected export %q", before[1])
	}
	if before[2] != "CUST|D-002|Ben||0|inactive|1|0|1" {
		t.Fatalf("Expected rejected rename to leave D-002 alone, got %q", before[2])
	}

	var rows []map[string]any
	for _, line := range before[1 : len(before)-1] {
		f := strings.Split(line, "|")
		previous, _ := strconv.ParseUint(f[4], 10, 64)
		typeID, _ := strconv.ParseInt(f[6], 10, 64)
		deductionID, _ := strconv.ParseInt(f[7], 10, 64)
		brgyID, _ := strconv.ParseInt(f[8], 10, 64)
		rows = append(rows, map[string]any{
			"account_no":       f[1],
			"customer_name":    f[2],
			"address":          f[3],
			"previous_reading": previous,
			"status":           f[5],
			"type_id":          typeID,
			"deduction_id":     deductionID,
			"brgy_id":          brgyID,
		})
	}
	payload, err := json.Marshal(rows)
	if err != nil {
		t.Fatal(err)
	}
	term.mustAck(t, "UPSERT_CUSTOMERS_JSON|"+string(payload))

	expectLines(t, term.send(t, "EXPORT_CUSTOMERS"), before...)
	if n := term.customerCount(t); n != 2 {
		t.Errorf("Expected 2 customers, got %d", n)
	}
}
