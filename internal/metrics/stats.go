package metrics

import (
	"time"

	"retina-forge/internal/loss"
)

// Window accumulates timing and loss stats across multiple steps.
type Window struct {
	images  int
	data    time.Duration
	compute time.Duration
	steps   int
	boxes   int
	last    loss.Result
	lossSum float64
}

// Record adds a new measurement to the window.
func (w *Window) Record(batchSize int, dataTime, computeTime time.Duration, res loss.Result) {
	w.images += batchSize
	w.data += dataTime
	w.compute += computeTime
	w.steps++
	w.boxes += res.NumForeground
	w.last = res
	w.lossSum += res.Total
}

// Steps reports how many measurements are pending.
func (w *Window) Steps() int { return w.steps }

// Snapshot returns aggregated metrics and resets the window.
func (w *Window) Snapshot() Snapshot {
	snap := Snapshot{}
	total := w.data + w.compute
	if total > 0 {
		snap.ImagesPerSec = float64(w.images) / total.Seconds()
	}
	if w.steps > 0 {
		snap.AvgDataMS = (w.data.Seconds() * 1000) / float64(w.steps)
		snap.AvgComputeMS = (w.compute.Seconds() * 1000) / float64(w.steps)
		snap.MeanLoss = w.lossSum / float64(w.steps)
		snap.AvgForeground = float64(w.boxes) / float64(w.steps)
	}
	snap.LastLoss = w.last.Total
	snap.LastCls = w.last.Cls
	snap.LastBox = w.last.Box

	*w = Window{}
	return snap
}

// Snapshot represents loggable metrics.
type Snapshot struct {
	ImagesPerSec  float64
	AvgDataMS     float64
	AvgComputeMS  float64
	AvgForeground float64
	MeanLoss      float64
	LastLoss      float64
	LastCls       float64
	LastBox       float64
}
