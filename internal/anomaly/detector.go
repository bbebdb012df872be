package anomaly

import (
	"fmt"
)

// Finding describes why a usage value looks suspicious
type Finding struct {
	Anomalous bool
	Reason    string
	Average   float64
}

// Detector flags monthly usage that departs from a customer's history
type Detector struct {
	spikeThreshold            float64
	minDataPointsForDetection int
}

// NewDetector creates a new anomaly detector with the specified thresholds
func NewDetector(spikeThreshold float64, minDataPointsForDetection int) *Detector {
	return &Detector{
		spikeThreshold:            spikeThreshold,
		minDataPointsForDetection: minDataPointsForDetection,
	}
}

// Inspect compares usage in cubic meters against previous monthly usages,
// newest first. Findings are advisory; the reading is still recorded.
func (d *Detector) Inspect(usage uint64, history []float64) Finding {
	if len(history) < d.minDataPointsForDetection {
		return Finding{}
	}

	sum := 0.0
	for _, v := range history {
		sum += v
	}
	average := sum / float64(len(history))
	value := float64(usage)

	// sudden spike over the rolling average, usually a leak or misread
	if average > 0 && value > d.spikeThreshold*average {
		return Finding{
			Anomalous: true,
			Average:   average,
			Reason: fmt.Sprintf("usage %.0f m3 exceeds %.1fx rolling average %.2f m3",
				value, d.spikeThreshold, average),
		}
	}

	if value == 0 && allPositive(history) {
		return Finding{
			Anomalous: true,
			Average:   average,
			Reason:    fmt.Sprintf("zero usage after %d months of consumption, meter may be stuck", len(history)),
		}
	}

	return Finding{Average: average}
}

func allPositive(values []float64) bool {
	for _, v := range values {
		if v <= 0 {
			return false
		}
	}
	return true
}
