package model

import (
	"math"
	"math/rand"

	"retina-forge/internal/tensor"
)

type conv struct {
	weight *tensor.Tensor
	bias   []float32
	stride int
	pad    int
}

func newConv(rng *rand.Rand, in, out, k, stride int, std float32, withBias bool) *conv {
	c := &conv{
		weight: tensor.Randn(rng, std, out, in, k, k),
		stride: stride,
		pad:    k / 2,
	}
	if withBias {
		c.bias = make([]float32, out)
	}
	return c
}

// kaimingStd is the fan-out ReLU gain used for backbone convs.
func kaimingStd(out, k int) float32 {
	return float32(math.Sqrt(2.0 / float64(out*k*k)))
}

func (c *conv) forward(x *tensor.Tensor) *tensor.Tensor {
	return tensor.Conv2D(x, c.weight, c.bias, c.stride, c.pad)
}

func (c *conv) numParams() int {
	return c.weight.Numel() + len(c.bias)
}

type batchNorm struct {
	gamma       []float32
	beta        []float32
	runningMean []float32
	runningVar  []float32
	eps         float32
	momentum    float32
}

func newBatchNorm(channels int) *batchNorm {
	bn := &batchNorm{
		gamma:       make([]float32, channels),
		beta:        make([]float32, channels),
		runningMean: make([]float32, channels),
		runningVar:  make([]float32, channels),
		eps:         1e-5,
		momentum:    0.1,
	}
	for i := range bn.gamma {
		bn.gamma[i] = 1
		bn.runningVar[i] = 1
	}
	return bn
}

// forward normalises x in place. Training mode uses batch statistics and
// updates the running estimates with the unbiased variance.
func (bn *batchNorm) forward(x *tensor.Tensor, training bool) *tensor.Tensor {
	if !training {
		tensor.Normalize(x, bn.runningMean, bn.runningVar, bn.gamma, bn.beta, bn.eps)
		return x
	}
	mean, variance := tensor.ChannelStats(x)
	n, _, h, w := x.Dims4()
	count := float32(n * h * w)
	for c := range mean {
		unbiased := variance[c]
		if count > 1 {
			unbiased = variance[c] * count / (count - 1)
		}
		bn.runningMean[c] = (1-bn.momentum)*bn.runningMean[c] + bn.momentum*mean[c]
		bn.runningVar[c] = (1-bn.momentum)*bn.runningVar[c] + bn.momentum*unbiased
	}
	tensor.Normalize(x, mean, variance, bn.gamma, bn.beta, bn.eps)
	return x
}

func (bn *batchNorm) numParams() int {
	return len(bn.gamma) + len(bn.beta)
}
