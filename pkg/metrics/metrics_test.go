package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestDispatchLatencyBucketsCoverMilliseconds(t *testing.T) {
	DispatchLatencyMs.WithLabelValues("bucket-test").Observe(120)

	obs, err := DispatchLatencyMs.GetMetricWithLabelValues("bucket-test")
	if err != nil {
		t.Fatal(err)
	}
	var m dto.Metric
	if err := obs.(prometheus.Metric).Write(&m); err != nil {
		t.Fatal(err)
	}

	// A typical sink call must land in a mid-range bucket, not pile up at
	// +Inf the way second-scaled default buckets would.
	found := false
	for _, b := range m.Histogram.Bucket {
		if b.GetUpperBound() < 1000 && b.GetCumulativeCount() == 1 {
			found = true
			break
		}
	}
	if !found {
		t.Errorf("120ms observation not captured below 1s: %+v", m.Histogram.Bucket)
	}
}
