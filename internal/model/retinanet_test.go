package model

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"retina-forge/internal/anchor"
	"retina-forge/internal/box"
	"retina-forge/internal/tensor"
)

const numClasses = 6

func tinyOptions() Options {
	return Options{
		NumClasses:   numClasses,
		Backbone:     ResNet18,
		FPNChannels:  16,
		WidthDivisor: 8,
		NumConvs:     1,
		Seed:         7,
	}
}

func TestForwardShapes(t *testing.T) {
	m, err := New(tinyOptions())
	require.NoError(t, err)

	images := tensor.Randn(rand.New(rand.NewSource(1)), 1, 2, 3, 64, 64)
	out, err := m.Forward(images)
	require.NoError(t, err)

	wantAnchors := (8*8 + 4*4 + 2*2 + 1 + 1) * anchor.NumAnchors
	require.Len(t, out.Anchors, wantAnchors)
	require.Equal(t, 2, out.BatchSize())
	for i := 0; i < 2; i++ {
		assert.Len(t, out.Cls[i], wantAnchors*numClasses)
		assert.Len(t, out.Reg[i], wantAnchors*4)
		assert.False(t, tensor.HasNaN(out.Cls[i]))
		assert.False(t, tensor.HasNaN(out.Reg[i]))
	}
	assert.Equal(t, 64, out.ImageHeight)
	assert.Equal(t, 64, out.ImageWidth)
}

func TestForwardDoesNotMutateInput(t *testing.T) {
	m, err := New(tinyOptions())
	require.NoError(t, err)
	images := tensor.Randn(rand.New(rand.NewSource(2)), 1, 1, 3, 32, 32)
	before := images.Clone()

	_, err = m.Forward(images)
	require.NoError(t, err)
	assert.Equal(t, before.Data, images.Data)
}

func TestForwardDeterministicForSeed(t *testing.T) {
	images := tensor.Randn(rand.New(rand.NewSource(3)), 1, 1, 3, 48, 40)
	a, err := New(tinyOptions())
	require.NoError(t, err)
	b, err := New(tinyOptions())
	require.NoError(t, err)

	outA, err := a.Forward(images)
	require.NoError(t, err)
	outB, err := b.Forward(images)
	require.NoError(t, err)
	assert.Equal(t, outA.Cls, outB.Cls)
	assert.Equal(t, outA.Reg, outB.Reg)
}

func TestPriorBiasSetsInitialScores(t *testing.T) {
	m, err := New(tinyOptions())
	require.NoError(t, err)
	out, err := m.Forward(tensor.Randn(rand.New(rand.NewSource(4)), 1, 1, 3, 32, 32))
	require.NoError(t, err)

	var sum float64
	for _, v := range out.Cls[0] {
		sum += float64(tensor.Sigmoid(v))
	}
	mean := sum / float64(len(out.Cls[0]))
	assert.InDelta(t, 0.01, mean, 0.01)
}

func TestEvalModeUsesRunningStats(t *testing.T) {
	m, err := New(tinyOptions())
	require.NoError(t, err)
	images := tensor.Randn(rand.New(rand.NewSource(6)), 1, 2, 3, 32, 32)

	_, err = m.Forward(images)
	require.NoError(t, err)
	assert.NotEqual(t, float32(0), m.backbone.stemBN.runningMean[0])

	m.SetTraining(false)
	first, err := m.Forward(images.Slice(0))
	require.NoError(t, err)
	again, err := m.Forward(images.Slice(0))
	require.NoError(t, err)
	assert.Equal(t, first.Cls, again.Cls)
	assert.False(t, tensor.HasNaN(first.Reg[0]))
}

func TestForwardRejectsBadInput(t *testing.T) {
	m, err := New(tinyOptions())
	require.NoError(t, err)

	_, err = m.Forward(tensor.New(1, 1, 16, 16))
	require.ErrorIs(t, err, ErrBadInput)
	_, err = m.Forward(tensor.New(3, 16, 16))
	require.ErrorIs(t, err, ErrBadInput)
	_, err = m.Forward(nil)
	require.ErrorIs(t, err, ErrBadInput)
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{NumClasses: 0})
	require.Error(t, err)
	_, err = New(Options{NumClasses: 3, Backbone: "vgg16"})
	require.Error(t, err)

	_, err = ParseBackbone("resnet34")
	require.NoError(t, err)
	_, err = ParseBackbone("resnet1")
	require.Error(t, err)
}

func TestRetinaResNet50(t *testing.T) {
	if testing.Short() {
		t.Skip("builds the full ResNet-50 detector")
	}
	m, err := RetinaResNet50(numClasses)
	require.NoError(t, err)
	assert.Equal(t, [3]int{512, 1024, 2048}, m.backbone.channels)
	assert.Equal(t, numClasses, m.NumClasses())
	assert.Greater(t, m.NumParams(), 30_000_000)

	out, err := m.Forward(tensor.Randn(rand.New(rand.NewSource(5)), 1, 1, 3, 64, 64))
	require.NoError(t, err)
	assert.Len(t, out.Cls[0], len(out.Anchors)*numClasses)
	assert.False(t, tensor.HasNaN(out.Cls[0]))
}

func TestDetect(t *testing.T) {
	anchors := []box.Box{
		box.FromXYWH(0, 0, 10, 10),
		box.FromXYWH(1, 1, 10, 10),
		box.FromXYWH(30, 30, 10, 10),
	}
	out := &Outputs{
		Cls: [][]float32{{
			4, -9,
			3, -9,
			-9, 2,
		}},
		Reg:         [][]float32{make([]float32, 12)},
		Anchors:     anchors,
		NumClasses:  2,
		ImageHeight: 40,
		ImageWidth:  40,
	}
	dets, err := Detect(out, DetectOptions{ScoreThreshold: 0.5})
	require.NoError(t, err)
	require.Len(t, dets, 1)
	require.Len(t, dets[0], 2)
	assert.Equal(t, 0, dets[0][0].Label)
	assert.Equal(t, anchors[0], dets[0][0].Box)
	assert.Equal(t, 1, dets[0][1].Label)
	assert.Equal(t, anchors[2], dets[0][1].Box)
}

func TestOutputsCheck(t *testing.T) {
	anchors := []box.Box{box.FromXYWH(0, 0, 8, 8), box.FromXYWH(8, 8, 8, 8)}
	good := &Outputs{
		Cls:        [][]float32{make([]float32, 4)},
		Reg:        [][]float32{make([]float32, 8)},
		Anchors:    anchors,
		NumClasses: 2,
	}
	require.NoError(t, good.Check())

	shortCls := &Outputs{Cls: [][]float32{make([]float32, 2)}, Reg: [][]float32{make([]float32, 8)}, Anchors: anchors, NumClasses: 2}
	shortReg := &Outputs{Cls: [][]float32{make([]float32, 4)}, Reg: [][]float32{make([]float32, 4)}, Anchors: anchors, NumClasses: 2}
	missingReg := &Outputs{Cls: [][]float32{make([]float32, 4)}, Anchors: anchors, NumClasses: 2}
	for _, out := range []*Outputs{nil, shortCls, shortReg, missingReg} {
		assert.ErrorIs(t, out.Check(), ErrBadOutputs)
		_, err := Detect(out, DetectOptions{})
		assert.ErrorIs(t, err, ErrBadOutputs)
	}
}
