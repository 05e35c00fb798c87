package metrics

import (
	"math"
	"testing"
	"time"

	"retina-forge/internal/loss"
)

func TestWindowSnapshot(t *testing.T) {
	var w Window
	w.Record(2, 20*time.Millisecond, 10*time.Millisecond, loss.Result{Total: 1.2, Cls: 1.0, Box: 0.2, NumForeground: 4})
	w.Record(2, 10*time.Millisecond, 20*time.Millisecond, loss.Result{Total: 0.8, Cls: 0.5, Box: 0.3, NumForeground: 2})
	if w.Steps() != 2 {
		t.Fatalf("expected 2 pending steps, got %d", w.Steps())
	}
	snap := w.Snapshot()
	if math.Abs(snap.ImagesPerSec-66.6667) > 0.01 {
		t.Fatalf("unexpected throughput %.2f", snap.ImagesPerSec)
	}
	if w.images != 0 || w.steps != 0 {
		t.Fatalf("window was not reset")
	}
	if snap.LastLoss != 0.8 || snap.LastCls != 0.5 || snap.LastBox != 0.3 {
		t.Fatalf("unexpected last loss %+v", snap)
	}
	if math.Abs(snap.MeanLoss-1.0) > 1e-9 {
		t.Fatalf("expected mean loss 1.0, got %.4f", snap.MeanLoss)
	}
	if snap.AvgForeground != 3 {
		t.Fatalf("expected 3 foreground anchors per step, got %.2f", snap.AvgForeground)
	}
	if math.Abs(snap.AvgDataMS-15) > 1e-9 || math.Abs(snap.AvgComputeMS-15) > 1e-9 {
		t.Fatalf("unexpected timings %+v", snap)
	}
}

func TestEmptySnapshot(t *testing.T) {
	var w Window
	if snap := w.Snapshot(); snap != (Snapshot{}) {
		t.Fatalf("expected zero snapshot, got %+v", snap)
	}
}
