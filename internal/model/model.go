package model

import (
	"errors"
	"fmt"

	"retina-forge/internal/box"
	"retina-forge/internal/tensor"
)

// Outputs holds the flattened head predictions for a batch. Row a of an
// image's Cls/Reg block belongs to Anchors[a].
type Outputs struct {
	Cls         [][]float32
	Reg         [][]float32
	Anchors     []box.Box
	NumClasses  int
	ImageHeight int
	ImageWidth  int
}

// ErrBadOutputs reports outputs whose rows do not match their anchors.
var ErrBadOutputs = errors.New("model: inconsistent outputs")

// Check verifies every image carries NumClasses logits and 4 deltas per
// anchor.
func (o *Outputs) Check() error {
	if o == nil {
		return fmt.Errorf("%w: nil outputs", ErrBadOutputs)
	}
	if o.NumClasses <= 0 {
		return fmt.Errorf("%w: num classes %d", ErrBadOutputs, o.NumClasses)
	}
	if len(o.Reg) != len(o.Cls) {
		return fmt.Errorf("%w: %d cls rows, %d reg rows", ErrBadOutputs, len(o.Cls), len(o.Reg))
	}
	a := len(o.Anchors)
	for i := range o.Cls {
		if len(o.Cls[i]) != a*o.NumClasses {
			return fmt.Errorf("%w: image %d has %d logits for %d anchors x %d classes", ErrBadOutputs, i, len(o.Cls[i]), a, o.NumClasses)
		}
		if len(o.Reg[i]) != a*4 {
			return fmt.Errorf("%w: image %d has %d deltas for %d anchors", ErrBadOutputs, i, len(o.Reg[i]), a)
		}
	}
	return nil
}

// BatchSize is the number of images the outputs cover.
func (o *Outputs) BatchSize() int { return len(o.Cls) }

// Logits returns the class logits of anchor a in image i.
func (o *Outputs) Logits(i, a int) []float32 {
	return o.Cls[i][a*o.NumClasses : (a+1)*o.NumClasses]
}

// Deltas returns the regression deltas of anchor a in image i.
func (o *Outputs) Deltas(i, a int) [4]float32 {
	r := o.Reg[i][a*4 : a*4+4]
	return [4]float32{r[0], r[1], r[2], r[3]}
}

// Detector is the minimal surface the loss and runner need.
type Detector interface {
	Forward(images *tensor.Tensor) (*Outputs, error)
	NumClasses() int
}
