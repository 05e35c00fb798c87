package loss

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"retina-forge/internal/box"
	"retina-forge/internal/model"
	"retina-forge/internal/tensor"
)

func TestSigmoidFocalHandComputed(t *testing.T) {
	ln2 := math.Log(2)
	assert.InDelta(t, ln2*0.25*0.25, SigmoidFocal(0, 1, 0.25, 2), 1e-9)
	assert.InDelta(t, ln2*0.75*0.25, SigmoidFocal(0, 0, 0.25, 2), 1e-9)
	// gamma 0 and no alpha is plain BCE
	assert.InDelta(t, math.Log1p(math.Exp(-2)), SigmoidFocal(2, 1, -1, 0), 1e-9)
}

func TestSigmoidFocalStableForLargeLogits(t *testing.T) {
	for _, x := range []float64{-1e4, -80, 80, 1e4} {
		for _, target := range []float64{0, 1} {
			v := SigmoidFocal(x, target, 0.25, 2)
			assert.False(t, math.IsNaN(v) || math.IsInf(v, 0), "x=%v t=%v", x, target)
			assert.GreaterOrEqual(t, v, 0.0)
		}
	}
}

func TestSmoothL1(t *testing.T) {
	assert.InDelta(t, 0.5*0.01/0.5, SmoothL1(-0.1, 0.5), 1e-12)
	assert.InDelta(t, 2-0.25, SmoothL1(2, 0.5), 1e-12)
	assert.Equal(t, 3.0, SmoothL1(-3, 0))
}

func twoAnchorOutputs(numClasses int) *model.Outputs {
	return &model.Outputs{
		Cls:         [][]float32{make([]float32, 2*numClasses)},
		Reg:         [][]float32{make([]float32, 8)},
		Anchors:     []box.Box{box.FromXYWH(0, 0, 32, 32), box.FromXYWH(100, 100, 32, 32)},
		NumClasses:  numClasses,
		ImageHeight: 160,
		ImageWidth:  160,
	}
}

func TestLossHandComputed(t *testing.T) {
	crit := NewRetinaLoss(2)
	out := twoAnchorOutputs(2)

	res, err := crit.Loss(out, [][]box.Box{{box.FromXYWH(0, 0, 32, 32)}}, [][]int{{0}})
	require.NoError(t, err)

	ln2 := math.Log(2)
	pos := ln2 * 0.25 * 0.25
	neg := ln2 * 0.75 * 0.25
	assert.Equal(t, 1, res.NumForeground)
	assert.InDelta(t, pos+3*neg, res.Cls, 1e-6)
	assert.InDelta(t, 0, res.Box, 1e-9)
	assert.InDelta(t, res.Cls+res.Box, res.Total, 1e-12)
}

func TestLossBoxTerm(t *testing.T) {
	crit := NewRetinaLoss(1)
	out := twoAnchorOutputs(1)
	out.Reg[0][0] = 1

	res, err := crit.Loss(out, [][]box.Box{{box.FromXYWH(0, 0, 32, 32)}}, [][]int{{0}})
	require.NoError(t, err)
	assert.InDelta(t, 1-0.5/9, res.Box, 1e-6)
}

func TestLossWithoutTargets(t *testing.T) {
	crit := NewRetinaLoss(3)
	out := twoAnchorOutputs(3)
	res, err := crit.Loss(out, [][]box.Box{nil}, [][]int{nil})
	require.NoError(t, err)
	assert.Equal(t, 0, res.NumForeground)
	assert.Equal(t, 0.0, res.Box)
	assert.InDelta(t, 6*math.Log(2)*0.75*0.25, res.Cls, 1e-6)
	assert.True(t, res.Finite())
}

func TestLossDropsZeroAreaTargets(t *testing.T) {
	crit := NewRetinaLoss(2)
	out := twoAnchorOutputs(2)
	degenerate := [][]box.Box{{{X1: 5, Y1: 5, X2: 5, Y2: 30}, {X1: 9, Y1: 9, X2: 1, Y2: 1}}}
	res, err := crit.Loss(out, degenerate, [][]int{{0, 1}})
	require.NoError(t, err)
	assert.Equal(t, 0, res.NumForeground)
	assert.True(t, res.Finite())
}

func TestLossValidatesTargets(t *testing.T) {
	crit := NewRetinaLoss(2)
	out := twoAnchorOutputs(2)
	gt := []box.Box{box.FromXYWH(0, 0, 8, 8)}

	_, err := crit.Loss(out, [][]box.Box{gt, gt}, [][]int{{0}, {0}})
	require.ErrorIs(t, err, ErrBatchMismatch)

	_, err = crit.Loss(out, [][]box.Box{gt}, [][]int{{0, 1}})
	require.ErrorIs(t, err, ErrBatchMismatch)

	_, err = crit.Loss(out, [][]box.Box{gt}, [][]int{{2}})
	require.ErrorIs(t, err, ErrBadLabel)

	_, err = NewRetinaLoss(5).Loss(out, [][]box.Box{gt}, [][]int{{0}})
	require.ErrorIs(t, err, ErrBatchMismatch)

	_, err = crit.Loss(nil, nil, nil)
	require.ErrorIs(t, err, ErrBatchMismatch)
}

func TestLossRejectsInconsistentOutputs(t *testing.T) {
	crit := NewRetinaLoss(2)
	gt := []box.Box{box.FromXYWH(0, 0, 8, 8)}

	out := twoAnchorOutputs(2)
	out.Cls[0] = out.Cls[0][:2]
	_, err := crit.Loss(out, [][]box.Box{gt}, [][]int{{0}})
	require.ErrorIs(t, err, ErrBatchMismatch)

	out = twoAnchorOutputs(2)
	out.Reg[0] = out.Reg[0][:4]
	_, err = crit.Loss(out, [][]box.Box{gt}, [][]int{{0}})
	require.ErrorIs(t, err, ErrBatchMismatch)
}

func TestMatchBands(t *testing.T) {
	crit := NewRetinaLoss(1)
	gt := box.FromXYWH(0, 0, 10, 10)
	anchors := []box.Box{
		box.FromXYWH(0, 0, 10, 10),   // IoU 1
		box.FromXYWH(0, 0, 10, 22),   // IoU ~0.45
		box.FromXYWH(50, 50, 10, 10), // IoU 0
	}
	crit.AllowLowQuality = false
	assert.Equal(t, []int{0, matchIgnore, matchBackground}, crit.match(anchors, []box.Box{gt}))
}

func TestMatchLowQuality(t *testing.T) {
	crit := NewRetinaLoss(1)
	gt := box.FromXYWH(0, 0, 10, 10)
	anchors := []box.Box{
		box.FromXYWH(0, 0, 10, 40),   // IoU 0.25, the best this gt gets
		box.FromXYWH(50, 50, 10, 10), // no overlap
	}
	assert.Equal(t, []int{0, matchBackground}, crit.match(anchors, []box.Box{gt}))

	crit.AllowLowQuality = false
	assert.Equal(t, []int{matchBackground, matchBackground}, crit.match(anchors, []box.Box{gt}))
}

func TestLossFiniteOnRandomTargets(t *testing.T) {
	m, err := model.New(model.Options{
		NumClasses:   6,
		Backbone:     model.ResNet18,
		FPNChannels:  16,
		WidthDivisor: 8,
		NumConvs:     1,
	})
	require.NoError(t, err)
	crit := NewRetinaLoss(6)

	rng := rand.New(rand.NewSource(11))
	images := tensor.Randn(rng, 1, 2, 3, 64, 64)
	out, err := m.Forward(images)
	require.NoError(t, err)

	for trial := 0; trial < 20; trial++ {
		boxes := make([][]box.Box, 2)
		labels := make([][]int, 2)
		for i := range boxes {
			n := rng.Intn(8)
			for k := 0; k < n; k++ {
				boxes[i] = append(boxes[i], box.Box{
					X1: float32(rng.NormFloat64()) * 32,
					Y1: float32(rng.NormFloat64()) * 32,
					X2: float32(rng.NormFloat64()) * 32,
					Y2: float32(rng.NormFloat64()) * 32,
				})
				labels[i] = append(labels[i], rng.Intn(6))
			}
		}
		res, err := crit.Loss(out, boxes, labels)
		require.NoError(t, err)
		require.True(t, res.Finite(), "trial %d: %+v", trial, res)
	}
}
