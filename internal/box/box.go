// Package box holds the bounding-box helpers shared by the anchor matcher,
// the loss and detection post-processing. Boxes are corner encoded
// (x1, y1, x2, y2) in input-image pixels.
package box

import (
	"math"
	"sort"
)

// Box is an axis-aligned box in corner form.
type Box struct {
	X1, Y1, X2, Y2 float32
}

// FromXYWH converts a COCO-style [x, y, w, h] box.
func FromXYWH(x, y, w, h float32) Box {
	return Box{X1: x, Y1: y, X2: x + w, Y2: y + h}
}

func (b Box) Width() float32  { return b.X2 - b.X1 }
func (b Box) Height() float32 { return b.Y2 - b.Y1 }

// Area is zero for degenerate or inverted boxes.
func (b Box) Area() float32 {
	w, h := b.Width(), b.Height()
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// Valid reports a finite box with positive width and height.
func (b Box) Valid() bool {
	for _, v := range [4]float32{b.X1, b.Y1, b.X2, b.Y2} {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return false
		}
	}
	return b.Width() > 0 && b.Height() > 0
}

// Center returns the box center.
func (b Box) Center() (cx, cy float32) {
	return (b.X1 + b.X2) / 2, (b.Y1 + b.Y2) / 2
}

// Scale multiplies x coordinates by sx and y coordinates by sy.
func (b Box) Scale(sx, sy float32) Box {
	return Box{X1: b.X1 * sx, Y1: b.Y1 * sy, X2: b.X2 * sx, Y2: b.Y2 * sy}
}

// Clip bounds b to a w x h image.
func (b Box) Clip(w, h float32) Box {
	return Box{
		X1: clamp(b.X1, 0, w),
		Y1: clamp(b.Y1, 0, h),
		X2: clamp(b.X2, 0, w),
		Y2: clamp(b.Y2, 0, h),
	}
}

// IoU is intersection over union; zero when either box is empty.
func (b Box) IoU(o Box) float32 {
	iw := min(b.X2, o.X2) - max(b.X1, o.X1)
	ih := min(b.Y2, o.Y2) - max(b.Y1, o.Y1)
	if iw <= 0 || ih <= 0 {
		return 0
	}
	inter := iw * ih
	union := b.Area() + o.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// IoUMatrix returns m[i][j] = IoU(anchors[i], gts[j]).
func IoUMatrix(anchors, gts []Box) [][]float32 {
	m := make([][]float32, len(anchors))
	flat := make([]float32, len(anchors)*len(gts))
	for i, a := range anchors {
		row := flat[i*len(gts) : (i+1)*len(gts)]
		for j, g := range gts {
			row[j] = a.IoU(g)
		}
		m[i] = row
	}
	return m
}

// RemoveZeroAreaBoxes drops invalid boxes together with their labels.
// labels may be nil; otherwise it must pair with boxes.
func RemoveZeroAreaBoxes(boxes []Box, labels []int) ([]Box, []int) {
	keptBoxes := make([]Box, 0, len(boxes))
	var keptLabels []int
	if labels != nil {
		keptLabels = make([]int, 0, len(labels))
	}
	for i, b := range boxes {
		if !b.Valid() {
			continue
		}
		keptBoxes = append(keptBoxes, b)
		if labels != nil && i < len(labels) {
			keptLabels = append(keptLabels, labels[i])
		}
	}
	return keptBoxes, keptLabels
}

// NMS greedily keeps the highest scoring boxes, suppressing any box whose
// IoU with a kept box exceeds threshold. Returned indices are score ordered.
func NMS(boxes []Box, scores []float32, threshold float32) []int {
	order := make([]int, len(boxes))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return scores[order[a]] > scores[order[b]]
	})

	suppressed := make([]bool, len(boxes))
	var keep []int
	for oi, i := range order {
		if suppressed[i] {
			continue
		}
		keep = append(keep, i)
		for _, j := range order[oi+1:] {
			if !suppressed[j] && boxes[i].IoU(boxes[j]) > threshold {
				suppressed[j] = true
			}
		}
	}
	return keep
}

// BatchedNMS runs NMS independently per class and returns the surviving
// indices sorted by descending score.
func BatchedNMS(boxes []Box, scores []float32, classes []int, threshold float32) []int {
	byClass := map[int][]int{}
	for i, c := range classes {
		byClass[c] = append(byClass[c], i)
	}
	var keep []int
	for _, idx := range byClass {
		sub := make([]Box, len(idx))
		subScores := make([]float32, len(idx))
		for k, i := range idx {
			sub[k] = boxes[i]
			subScores[k] = scores[i]
		}
		for _, k := range NMS(sub, subScores, threshold) {
			keep = append(keep, idx[k])
		}
	}
	sort.SliceStable(keep, func(a, b int) bool {
		if scores[keep[a]] == scores[keep[b]] {
			return keep[a] < keep[b]
		}
		return scores[keep[a]] > scores[keep[b]]
	})
	return keep
}

func clamp(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
