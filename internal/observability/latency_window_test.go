package observability

import (
	"fmt"
	"testing"
	"time"
)

func TestLatencyWindowSnapshot(t *testing.T) {
	w := NewLatencyWindow(8)
	w.Observe(StageFirstAudio, 500)
	w.Observe(StageFirstAudio, 700)
	w.Observe(StageFirstAudio, 900)
	w.Count("dropped_noise")
	w.Count("dropped_noise")

	snap := w.Snapshot()
	if snap.WindowSize != 8 {
		t.Fatalf("WindowSize = %d, want 8", snap.WindowSize)
	}
	if len(snap.Stages) != 1 {
		t.Fatalf("len(Stages) = %d, want 1", len(snap.Stages))
	}
	s := snap.Stages[0]
	if s.Samples != 3 || s.LastMS != 900 || s.P50MS != 700 {
		t.Fatalf("stats = %+v, want 3 samples last=900 p50=700", s)
	}
	if s.P95MS <= 700 || s.P95MS > 900 {
		t.Fatalf("P95MS = %.2f, want (700,900]", s.P95MS)
	}
	if s.TargetP95MS != 1800 {
		t.Fatalf("TargetP95MS = %.2f, want 1800", s.TargetP95MS)
	}
	if snap.Counters["dropped_noise"] != 2 {
		t.Fatalf("Counters = %v, want dropped_noise=2", snap.Counters)
	}
}

func TestLatencyWindowOverwritesOldest(t *testing.T) {
	w := NewLatencyWindow(4)
	for i := 1; i <= 10; i++ {
		w.Observe(StageTotal, float64(i*100))
	}
	s := w.Snapshot().Stages[0]
	if s.Samples != 4 {
		t.Fatalf("Samples = %d, want 4", s.Samples)
	}
	if s.AvgMS != 850 {
		t.Fatalf("AvgMS = %.2f, want 850 (last four samples)", s.AvgMS)
	}
}

func TestMetricsObserveStageFeedsWindow(t *testing.T) {
	m := NewMetrics(fmt.Sprintf("test_obs_%d", time.Now().UnixNano()))
	m.ObserveStage(StageGeneration, 250*time.Millisecond)
	m.Dropped("empty")

	snap := m.Window.Snapshot()
	if len(snap.Stages) != 1 || snap.Stages[0].LastMS != 250 {
		t.Fatalf("snapshot = %+v, want generation last=250", snap)
	}
	if snap.Counters["dropped_empty"] != 1 {
		t.Fatalf("Counters = %v, want dropped_empty=1", snap.Counters)
	}

	var nilMetrics *Metrics
	nilMetrics.Event("noop")
}
