package anomaly

import (
	"strings"
	"testing"
)

func TestInspect(t *testing.T) {
	d := NewDetector(3.0, 3)

	tests := []struct {
		name      string
		usage     uint64
		history   []float64
		anomalous bool
		reason    string
	}{
		{"not enough history", 500, []float64{10, 10}, false, ""},
		{"normal usage", 12, []float64{10, 11, 9}, false, ""},
		{"spike", 40, []float64{10, 10, 10}, true, "exceeds 3.0x"},
		{"exactly at threshold", 30, []float64{10, 10, 10}, false, ""},
		{"stuck meter", 0, []float64{8, 9, 10}, true, "meter may be stuck"},
		{"zero after idle month", 0, []float64{8, 0, 10}, false, ""},
		{"zero average", 5, []float64{0, 0, 0}, false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := d.Inspect(tt.usage, tt.history)
			if f.Anomalous != tt.anomalous {
				t.Errorf("Expected anomalous=%v, got %v (%s)", tt.anomalous, f.Anomalous, f.Reason)
			}
			if tt.reason != "" && !strings.Contains(f.Reason, tt.reason) {
				t.Errorf("Expected reason containing %q, got %q", tt.reason, f.Reason)
			}
		})
	}
}
