// Package loss implements the RetinaNet training criterion: anchor matching,
// sigmoid focal loss for classification and smooth-L1 for box regression.
package loss

import (
	"errors"
	"fmt"
	"math"

	"retina-forge/internal/box"
	"retina-forge/internal/model"
)

var (
	// ErrBatchMismatch reports targets that do not line up with the outputs.
	ErrBatchMismatch = errors.New("loss: batch mismatch")
	// ErrBadLabel reports a label outside [0, NumClasses).
	ErrBadLabel = errors.New("loss: label out of range")
)

const (
	matchBackground = -1
	matchIgnore     = -2
)

// RetinaLoss scores detector outputs against per-image targets.
type RetinaLoss struct {
	NumClasses      int
	Alpha           float64
	Gamma           float64
	FgIoU           float32
	BgIoU           float32
	SmoothL1Beta    float64
	AllowLowQuality bool
	Coder           box.Coder
}

// NewRetinaLoss returns the criterion with the usual RetinaNet settings.
func NewRetinaLoss(numClasses int) *RetinaLoss {
	return &RetinaLoss{
		NumClasses:      numClasses,
		Alpha:           0.25,
		Gamma:           2,
		FgIoU:           0.5,
		BgIoU:           0.4,
		SmoothL1Beta:    1.0 / 9,
		AllowLowQuality: true,
		Coder:           box.DefaultCoder,
	}
}

// Result breaks the loss into its terms, each averaged over the batch.
type Result struct {
	Total         float64
	Cls           float64
	Box           float64
	NumForeground int
}

// Finite reports whether every term is a real number.
func (r Result) Finite() bool {
	for _, v := range [3]float64{r.Total, r.Cls, r.Box} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Loss computes the criterion. boxes[i] and labels[i] are the targets of
// image i; either may be empty. Zero-area boxes are dropped before matching.
func (l *RetinaLoss) Loss(out *model.Outputs, boxes [][]box.Box, labels [][]int) (Result, error) {
	if err := out.Check(); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrBatchMismatch, err)
	}
	bs := out.BatchSize()
	if len(boxes) != bs || len(labels) != bs {
		return Result{}, fmt.Errorf("%w: outputs=%d boxes=%d labels=%d", ErrBatchMismatch, bs, len(boxes), len(labels))
	}
	if out.NumClasses != l.NumClasses {
		return Result{}, fmt.Errorf("%w: outputs have %d classes, criterion %d", ErrBatchMismatch, out.NumClasses, l.NumClasses)
	}

	var res Result
	for i := 0; i < bs; i++ {
		if len(boxes[i]) != len(labels[i]) {
			return Result{}, fmt.Errorf("%w: image %d has %d boxes and %d labels", ErrBatchMismatch, i, len(boxes[i]), len(labels[i]))
		}
		for _, lbl := range labels[i] {
			if lbl < 0 || lbl >= l.NumClasses {
				return Result{}, fmt.Errorf("%w: image %d label %d, num classes %d", ErrBadLabel, i, lbl, l.NumClasses)
			}
		}
		gts, gtLabels := box.RemoveZeroAreaBoxes(boxes[i], labels[i])
		matches := l.match(out.Anchors, gts)

		numFg := 0
		for _, m := range matches {
			if m >= 0 {
				numFg++
			}
		}
		norm := math.Max(1, float64(numFg))
		cls := l.classification(out, i, matches, gtLabels) / norm
		reg := l.regression(out, i, matches, gts) / norm

		res.Cls += cls
		res.Box += reg
		res.NumForeground += numFg
	}
	if bs > 0 {
		res.Cls /= float64(bs)
		res.Box /= float64(bs)
	}
	res.Total = res.Cls + res.Box
	return res, nil
}

// match assigns each anchor a ground-truth index, matchBackground or
// matchIgnore. Each ground truth also claims its best-overlapping anchors.
func (l *RetinaLoss) match(anchors, gts []box.Box) []int {
	matches := make([]int, len(anchors))
	if len(gts) == 0 {
		for a := range matches {
			matches[a] = matchBackground
		}
		return matches
	}

	iou := box.IoUMatrix(anchors, gts)
	best := make([]int, len(anchors))
	for a, row := range iou {
		bestJ, bestIoU := 0, row[0]
		for j, v := range row[1:] {
			if v > bestIoU {
				bestJ, bestIoU = j+1, v
			}
		}
		best[a] = bestJ
		switch {
		case bestIoU >= l.FgIoU:
			matches[a] = bestJ
		case bestIoU < l.BgIoU:
			matches[a] = matchBackground
		default:
			matches[a] = matchIgnore
		}
	}

	if l.AllowLowQuality {
		for j := range gts {
			var quality float32
			for a := range anchors {
				quality = max(quality, iou[a][j])
			}
			if quality <= 0 {
				continue
			}
			for a := range anchors {
				if iou[a][j] == quality {
					matches[a] = best[a]
				}
			}
		}
	}
	return matches
}

func (l *RetinaLoss) classification(out *model.Outputs, img int, matches, gtLabels []int) float64 {
	var sum float64
	for a, m := range matches {
		if m == matchIgnore {
			continue
		}
		target := -1
		if m >= 0 {
			target = gtLabels[m]
		}
		for c, logit := range out.Logits(img, a) {
			t := 0.0
			if c == target {
				t = 1
			}
			sum += SigmoidFocal(float64(logit), t, l.Alpha, l.Gamma)
		}
	}
	return sum
}

func (l *RetinaLoss) regression(out *model.Outputs, img int, matches []int, gts []box.Box) float64 {
	var sum float64
	for a, m := range matches {
		if m < 0 {
			continue
		}
		target := l.Coder.Encode(gts[m], out.Anchors[a])
		pred := out.Deltas(img, a)
		for k := range target {
			sum += SmoothL1(float64(pred[k]-target[k]), l.SmoothL1Beta)
		}
	}
	return sum
}
