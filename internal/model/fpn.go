package model

import (
	"math"
	"math/rand"

	"retina-forge/internal/tensor"
)

// fpn builds P3-P7 from C3-C5. P6 is a stride-2 conv over C5 and P7 a
// stride-2 conv over ReLU(P6).
type fpn struct {
	lateral [3]*conv
	output  [3]*conv
	p6, p7  *conv
}

func fanInStd(in, k int) float32 {
	return float32(math.Sqrt(1.0 / float64(in*k*k)))
}

func newFPN(rng *rand.Rand, in [3]int, channels int) *fpn {
	f := &fpn{}
	for i, c := range in {
		f.lateral[i] = newConv(rng, c, channels, 1, 1, fanInStd(c, 1), true)
		f.output[i] = newConv(rng, channels, channels, 3, 1, fanInStd(channels, 3), true)
	}
	f.p6 = newConv(rng, in[2], channels, 3, 2, fanInStd(in[2], 3), true)
	f.p7 = newConv(rng, channels, channels, 3, 2, fanInStd(channels, 3), true)
	return f
}

func (f *fpn) forward(c [3]*tensor.Tensor) []*tensor.Tensor {
	var merged [3]*tensor.Tensor
	merged[2] = f.lateral[2].forward(c[2])
	for i := 1; i >= 0; i-- {
		lat := f.lateral[i].forward(c[i])
		_, _, h, w := lat.Dims4()
		merged[i] = tensor.AddInPlace(lat, tensor.UpsampleNearest(merged[i+1], h, w))
	}

	out := make([]*tensor.Tensor, 0, 5)
	for i := range merged {
		out = append(out, f.output[i].forward(merged[i]))
	}
	p6 := f.p6.forward(c[2])
	p7 := f.p7.forward(tensor.ReLU(p6.Clone()))
	return append(out, p6, p7)
}

func (f *fpn) numParams() int {
	n := f.p6.numParams() + f.p7.numParams()
	for i := range f.lateral {
		n += f.lateral[i].numParams() + f.output[i].numParams()
	}
	return n
}
