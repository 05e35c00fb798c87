package model

import (
	"errors"
	"fmt"
	"math/rand"

	"retina-forge/internal/anchor"
	"retina-forge/internal/tensor"
)

// ErrBadInput reports an image batch the detector cannot consume.
var ErrBadInput = errors.New("model: bad input")

// Options configures New.
type Options struct {
	NumClasses   int
	Backbone     Backbone
	FPNChannels  int
	WidthDivisor int
	NumConvs     int
	PriorProb    float64
	Seed         int64
}

func (o *Options) withDefaults() error {
	if o.NumClasses <= 0 {
		return fmt.Errorf("model: num classes must be > 0 (got %d)", o.NumClasses)
	}
	if o.Backbone == "" {
		o.Backbone = ResNet50
	}
	if o.FPNChannels <= 0 {
		o.FPNChannels = 256
	}
	if o.WidthDivisor <= 0 {
		o.WidthDivisor = 1
	}
	if o.NumConvs <= 0 {
		o.NumConvs = 4
	}
	if o.PriorProb <= 0 || o.PriorProb >= 1 {
		o.PriorProb = 0.01
	}
	return nil
}

// RetinaNet is a single-stage detector: ResNet backbone, feature pyramid and
// shared classification/box subnets over NumAnchors anchors per location.
type RetinaNet struct {
	opts     Options
	backbone *resnet
	fpn      *fpn
	cls      *head
	reg      *head
	anchors  *anchor.Generator
	training bool
}

// New builds a randomly initialised detector.
func New(opts Options) (*RetinaNet, error) {
	if err := opts.withDefaults(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(opts.Seed))
	backbone, err := newResNet(rng, opts.Backbone, opts.WidthDivisor)
	if err != nil {
		return nil, err
	}
	gen := anchor.NewGenerator()
	perCell := gen.PerCell()
	return &RetinaNet{
		opts:     opts,
		backbone: backbone,
		fpn:      newFPN(rng, backbone.channels, opts.FPNChannels),
		cls:      newHead(rng, opts.FPNChannels, opts.NumConvs, perCell, opts.NumClasses, priorBias(opts.PriorProb)),
		reg:      newHead(rng, opts.FPNChannels, opts.NumConvs, perCell, 4, 0),
		anchors:  gen,
		training: true,
	}, nil
}

// RetinaResNet50 builds the standard ResNet-50 FPN detector.
func RetinaResNet50(numClasses int) (*RetinaNet, error) {
	return New(Options{NumClasses: numClasses, Backbone: ResNet50})
}

// NumClasses implements Detector.
func (m *RetinaNet) NumClasses() int { return m.opts.NumClasses }

// Options returns the resolved configuration.
func (m *RetinaNet) Options() Options { return m.opts }

// SetTraining toggles batch-norm between batch and running statistics.
// A new detector starts in training mode.
func (m *RetinaNet) SetTraining(training bool) { m.training = training }

// NumParams counts learnable weights.
func (m *RetinaNet) NumParams() int {
	return m.backbone.numParams() + m.fpn.numParams() + m.cls.numParams() + m.reg.numParams()
}

// Forward runs images [B,3,H,W] through the detector.
func (m *RetinaNet) Forward(images *tensor.Tensor) (*Outputs, error) {
	if images == nil || len(images.Shape) != 4 {
		return nil, fmt.Errorf("%w: expected [B,3,H,W] images", ErrBadInput)
	}
	B, C, H, W := images.Dims4()
	if B == 0 || C != 3 || H < 1 || W < 1 {
		return nil, fmt.Errorf("%w: got shape %v", ErrBadInput, images.Shape)
	}
	if len(images.Data) != B*C*H*W {
		return nil, fmt.Errorf("%w: %v", tensor.ErrShapeMismatch, images.Shape)
	}

	// BN statistics are computed in place, so work on a copy.
	feats := m.backbone.forward(images.Clone(), m.training)
	pyramid := m.fpn.forward(feats)

	shapes := make([][2]int, len(pyramid))
	for i, p := range pyramid {
		_, _, h, w := p.Dims4()
		shapes[i] = [2]int{h, w}
	}
	levels, err := m.anchors.Levels(shapes)
	if err != nil {
		return nil, err
	}
	anchors := m.anchors.Generate(levels)

	perCell := m.anchors.PerCell()
	out := &Outputs{
		Cls:         make([][]float32, B),
		Reg:         make([][]float32, B),
		Anchors:     anchors,
		NumClasses:  m.opts.NumClasses,
		ImageHeight: H,
		ImageWidth:  W,
	}
	for b := 0; b < B; b++ {
		out.Cls[b] = make([]float32, len(anchors)*m.opts.NumClasses)
		out.Reg[b] = make([]float32, len(anchors)*4)
	}

	offset := 0
	for _, p := range pyramid {
		_, _, h, w := p.Dims4()
		m.cls.scatter(out.Cls, m.cls.forward(p), offset)
		m.reg.scatter(out.Reg, m.reg.forward(p), offset)
		offset += h * w * perCell
	}
	return out, nil
}
