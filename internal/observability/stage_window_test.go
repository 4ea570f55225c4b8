package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestStageWindowSnapshot(t *testing.T) {
	w := newStageWindow(8)
	w.Observe(StageFirstDelta, 500)
	w.Observe(StageFirstDelta, 700)
	w.Observe(StageFirstDelta, 900)
	w.ObserveIndicator("cache_hit")
	w.ObserveIndicator("cache_hit")

	snap := w.Snapshot()
	if snap.WindowSize != 8 {
		t.Fatalf("WindowSize = %d, want 8", snap.WindowSize)
	}
	if len(snap.Stages) != 1 {
		t.Fatalf("len(Stages) = %d, want 1", len(snap.Stages))
	}
	s := snap.Stages[0]
	if s.Stage != StageFirstDelta {
		t.Fatalf("Stage = %q, want %q", s.Stage, StageFirstDelta)
	}
	if s.Samples != 3 {
		t.Fatalf("Samples = %d, want 3", s.Samples)
	}
	if s.LastMS != 900 {
		t.Fatalf("LastMS = %.2f, want 900", s.LastMS)
	}
	if s.P50MS != 700 {
		t.Fatalf("P50MS = %.2f, want 700", s.P50MS)
	}
	if s.P95MS <= 700 || s.P95MS > 900 {
		t.Fatalf("P95MS = %.2f, want (700,900]", s.P95MS)
	}
	if s.TargetP95MS != 3000 {
		t.Fatalf("TargetP95MS = %.2f, want 3000", s.TargetP95MS)
	}
	if len(snap.Indicators) != 1 || snap.Indicators[0].Count != 2 {
		t.Fatalf("Indicators = %+v, want cache_hit x2", snap.Indicators)
	}
}

func TestStageWindowWrapsRing(t *testing.T) {
	w := newStageWindow(2)
	for _, v := range []float64{10, 20, 30} {
		w.Observe(StageAssemble, v)
	}
	s := w.Snapshot().Stages[0]
	if s.Samples != 2 {
		t.Fatalf("Samples = %d, want 2", s.Samples)
	}
	if s.AvgMS != 25 {
		t.Fatalf("AvgMS = %.2f, want 25", s.AvgMS)
	}
}

func TestMetricsObserveStage(t *testing.T) {
	m := NewMetricsWithRegistry(prometheus.NewRegistry(), "test")
	m.ObserveStage(StageAssemble, 1500*time.Microsecond)
	m.ObserveFirstDeltaLatency(250 * time.Millisecond)

	snap := m.SnapshotStages()
	if len(snap.Stages) != 2 {
		t.Fatalf("len(Stages) = %d, want 2", len(snap.Stages))
	}
	if snap.Stages[0].Stage != StageAssemble || snap.Stages[0].LastMS != 1.5 {
		t.Fatalf("Stages[0] = %+v, want assemble 1.5ms", snap.Stages[0])
	}

	var nilMetrics *Metrics
	nilMetrics.ObserveStage(StageAssemble, time.Second)
	if got := nilMetrics.SnapshotStages(); len(got.Stages) != 0 {
		t.Fatalf("nil metrics snapshot = %+v, want empty", got)
	}
}
