package model

import (
	"fmt"
	"math/rand"

	"retina-forge/internal/tensor"
)

// Backbone names a ResNet depth.
type Backbone string

const (
	ResNet18  Backbone = "resnet18"
	ResNet34  Backbone = "resnet34"
	ResNet50  Backbone = "resnet50"
	ResNet101 Backbone = "resnet101"
	ResNet152 Backbone = "resnet152"
)

type resnetLayout struct {
	bottleneck bool
	blocks     [4]int
}

var resnetLayouts = map[Backbone]resnetLayout{
	ResNet18:  {blocks: [4]int{2, 2, 2, 2}},
	ResNet34:  {blocks: [4]int{3, 4, 6, 3}},
	ResNet50:  {bottleneck: true, blocks: [4]int{3, 4, 6, 3}},
	ResNet101: {bottleneck: true, blocks: [4]int{3, 4, 23, 3}},
	ResNet152: {bottleneck: true, blocks: [4]int{3, 8, 36, 3}},
}

// ParseBackbone validates a backbone name.
func ParseBackbone(name string) (Backbone, error) {
	b := Backbone(name)
	if _, ok := resnetLayouts[b]; !ok {
		return "", fmt.Errorf("model: unknown backbone %q", name)
	}
	return b, nil
}

type block interface {
	forward(x *tensor.Tensor, training bool) *tensor.Tensor
	numParams() int
}

type downsample struct {
	conv *conv
	bn   *batchNorm
}

func (d *downsample) forward(x *tensor.Tensor, training bool) *tensor.Tensor {
	return d.bn.forward(d.conv.forward(x), training)
}

type basicBlock struct {
	conv1, conv2 *conv
	bn1, bn2     *batchNorm
	down         *downsample
}

func newBasicBlock(rng *rand.Rand, in, planes, stride int) *basicBlock {
	b := &basicBlock{
		conv1: newConv(rng, in, planes, 3, stride, kaimingStd(planes, 3), false),
		bn1:   newBatchNorm(planes),
		conv2: newConv(rng, planes, planes, 3, 1, kaimingStd(planes, 3), false),
		bn2:   newBatchNorm(planes),
	}
	if stride != 1 || in != planes {
		b.down = &downsample{
			conv: newConv(rng, in, planes, 1, stride, kaimingStd(planes, 1), false),
			bn:   newBatchNorm(planes),
		}
	}
	return b
}

func (b *basicBlock) forward(x *tensor.Tensor, training bool) *tensor.Tensor {
	identity := x
	if b.down != nil {
		identity = b.down.forward(x, training)
	}
	out := tensor.ReLU(b.bn1.forward(b.conv1.forward(x), training))
	out = b.bn2.forward(b.conv2.forward(out), training)
	return tensor.ReLU(tensor.AddInPlace(out, identity))
}

func (b *basicBlock) numParams() int {
	n := b.conv1.numParams() + b.bn1.numParams() + b.conv2.numParams() + b.bn2.numParams()
	if b.down != nil {
		n += b.down.conv.numParams() + b.down.bn.numParams()
	}
	return n
}

type bottleneck struct {
	conv1, conv2, conv3 *conv
	bn1, bn2, bn3       *batchNorm
	down                *downsample
}

const bottleneckExpansion = 4

// newBottleneck places the stride on the 3x3 conv.
func newBottleneck(rng *rand.Rand, in, planes, stride int) *bottleneck {
	out := planes * bottleneckExpansion
	b := &bottleneck{
		conv1: newConv(rng, in, planes, 1, 1, kaimingStd(planes, 1), false),
		bn1:   newBatchNorm(planes),
		conv2: newConv(rng, planes, planes, 3, stride, kaimingStd(planes, 3), false),
		bn2:   newBatchNorm(planes),
		conv3: newConv(rng, planes, out, 1, 1, kaimingStd(out, 1), false),
		bn3:   newBatchNorm(out),
	}
	if stride != 1 || in != out {
		b.down = &downsample{
			conv: newConv(rng, in, out, 1, stride, kaimingStd(out, 1), false),
			bn:   newBatchNorm(out),
		}
	}
	return b
}

func (b *bottleneck) forward(x *tensor.Tensor, training bool) *tensor.Tensor {
	identity := x
	if b.down != nil {
		identity = b.down.forward(x, training)
	}
	out := tensor.ReLU(b.bn1.forward(b.conv1.forward(x), training))
	out = tensor.ReLU(b.bn2.forward(b.conv2.forward(out), training))
	out = b.bn3.forward(b.conv3.forward(out), training)
	return tensor.ReLU(tensor.AddInPlace(out, identity))
}

func (b *bottleneck) numParams() int {
	n := b.conv1.numParams() + b.bn1.numParams() +
		b.conv2.numParams() + b.bn2.numParams() +
		b.conv3.numParams() + b.bn3.numParams()
	if b.down != nil {
		n += b.down.conv.numParams() + b.down.bn.numParams()
	}
	return n
}

// resnet is the feature extractor feeding the FPN with C3, C4 and C5.
type resnet struct {
	stem     *conv
	stemBN   *batchNorm
	stages   [4][]block
	channels [3]int
}

func newResNet(rng *rand.Rand, name Backbone, widthDivisor int) (*resnet, error) {
	layout, ok := resnetLayouts[name]
	if !ok {
		return nil, fmt.Errorf("model: unknown backbone %q", name)
	}
	if widthDivisor <= 0 {
		widthDivisor = 1
	}
	width := func(c int) int { return max(c/widthDivisor, 4) }

	stemOut := width(64)
	r := &resnet{
		stem:   newConv(rng, 3, stemOut, 7, 2, kaimingStd(stemOut, 7), false),
		stemBN: newBatchNorm(stemOut),
	}
	in := stemOut
	expansion := 1
	if layout.bottleneck {
		expansion = bottleneckExpansion
	}
	for s, count := range layout.blocks {
		planes := width(64 << s)
		stride := 2
		if s == 0 {
			stride = 1
		}
		blocks := make([]block, count)
		for i := range blocks {
			st := 1
			if i == 0 {
				st = stride
			}
			if layout.bottleneck {
				blocks[i] = newBottleneck(rng, in, planes, st)
			} else {
				blocks[i] = newBasicBlock(rng, in, planes, st)
			}
			in = planes * expansion
		}
		r.stages[s] = blocks
		if s >= 1 {
			r.channels[s-1] = in
		}
	}
	return r, nil
}

func (r *resnet) forward(x *tensor.Tensor, training bool) [3]*tensor.Tensor {
	out := tensor.ReLU(r.stemBN.forward(r.stem.forward(x), training))
	out = tensor.MaxPool2D(out, 3, 2, 1)
	var feats [3]*tensor.Tensor
	for s, blocks := range r.stages {
		for _, b := range blocks {
			out = b.forward(out, training)
		}
		if s >= 1 {
			feats[s-1] = out
		}
	}
	return feats
}

func (r *resnet) numParams() int {
	n := r.stem.numParams() + r.stemBN.numParams()
	for _, blocks := range r.stages {
		for _, b := range blocks {
			n += b.numParams()
		}
	}
	return n
}
