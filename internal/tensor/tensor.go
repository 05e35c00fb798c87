// Package tensor holds the dense float32 NCHW tensors the detector runs on.
package tensor

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
)

// ErrShapeMismatch reports data whose length does not match its shape.
var ErrShapeMismatch = errors.New("tensor: shape mismatch")

// Tensor is a dense row-major float32 tensor.
type Tensor struct {
	Shape []int
	Data  []float32
}

// New allocates a zero tensor.
func New(shape ...int) *Tensor {
	return &Tensor{Shape: append([]int(nil), shape...), Data: make([]float32, numel(shape))}
}

// FromData wraps data without copying.
func FromData(data []float32, shape ...int) (*Tensor, error) {
	if numel(shape) != len(data) {
		return nil, fmt.Errorf("%w: %v needs %d values, got %d", ErrShapeMismatch, shape, numel(shape), len(data))
	}
	return &Tensor{Shape: append([]int(nil), shape...), Data: data}, nil
}

// Randn fills a new tensor with N(0, std^2) samples drawn from rng.
func Randn(rng *rand.Rand, std float32, shape ...int) *Tensor {
	t := New(shape...)
	for i := range t.Data {
		t.Data[i] = float32(rng.NormFloat64()) * std
	}
	return t
}

// Full allocates a tensor with every element set to v.
func Full(v float32, shape ...int) *Tensor {
	t := New(shape...)
	for i := range t.Data {
		t.Data[i] = v
	}
	return t
}

// Numel returns the element count.
func (t *Tensor) Numel() int { return len(t.Data) }

// Dims4 unpacks an NCHW shape. It panics on any other rank.
func (t *Tensor) Dims4() (n, c, h, w int) {
	if len(t.Shape) != 4 {
		panic(fmt.Sprintf("tensor: expected 4D NCHW, got shape %v", t.Shape))
	}
	return t.Shape[0], t.Shape[1], t.Shape[2], t.Shape[3]
}

// At4 reads element (n, c, y, x) of a 4D tensor.
func (t *Tensor) At4(n, c, y, x int) float32 {
	_, C, H, W := t.Dims4()
	return t.Data[((n*C+c)*H+y)*W+x]
}

// Clone deep-copies t.
func (t *Tensor) Clone() *Tensor {
	out := New(t.Shape...)
	copy(out.Data, t.Data)
	return out
}

// Slice returns image i of a 4D batch as a [1,C,H,W] view sharing storage.
func (t *Tensor) Slice(i int) *Tensor {
	n, c, h, w := t.Dims4()
	if i < 0 || i >= n {
		panic(fmt.Sprintf("tensor: batch index %d out of range [0,%d)", i, n))
	}
	size := c * h * w
	return &Tensor{Shape: []int{1, c, h, w}, Data: t.Data[i*size : (i+1)*size]}
}

// Stack concatenates [1,C,H,W] (or [C,H,W]) tensors of equal size into a batch.
func Stack(items []*Tensor) (*Tensor, error) {
	if len(items) == 0 {
		return nil, errors.New("tensor: stack of zero tensors")
	}
	chw := items[0].Shape
	if len(chw) == 4 {
		chw = chw[1:]
	}
	if len(chw) != 3 {
		return nil, fmt.Errorf("%w: stack expects CHW items, got %v", ErrShapeMismatch, items[0].Shape)
	}
	size := numel(chw)
	out := New(len(items), chw[0], chw[1], chw[2])
	for i, it := range items {
		if it.Numel() != size {
			return nil, fmt.Errorf("%w: item %d has %d values, want %d", ErrShapeMismatch, i, it.Numel(), size)
		}
		copy(out.Data[i*size:], it.Data)
	}
	return out, nil
}

// HasNaN reports whether any element is NaN or infinite.
func HasNaN(values []float32) bool {
	for _, v := range values {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return true
		}
	}
	return false
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}
