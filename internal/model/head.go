package model

import (
	"math"
	"math/rand"

	"retina-forge/internal/tensor"
)

const headStd = 0.01

// head is the subnet shared across pyramid levels. It predicts perAnchor
// values for each of numAnchors anchors at every location.
type head struct {
	tower     []*conv
	final     *conv
	perAnchor int
}

func newHead(rng *rand.Rand, channels, numConvs, numAnchors, perAnchor int, biasInit float32) *head {
	h := &head{perAnchor: perAnchor}
	for i := 0; i < numConvs; i++ {
		h.tower = append(h.tower, newConv(rng, channels, channels, 3, 1, headStd, true))
	}
	h.final = newConv(rng, channels, numAnchors*perAnchor, 3, 1, headStd, true)
	for i := range h.final.bias {
		h.final.bias[i] = biasInit
	}
	return h
}

// priorBias makes the initial foreground probability equal prior.
func priorBias(prior float64) float32 {
	return float32(-math.Log((1 - prior) / prior))
}

func (h *head) forward(x *tensor.Tensor) *tensor.Tensor {
	out := x
	for _, c := range h.tower {
		out = tensor.ReLU(c.forward(out))
	}
	return h.final.forward(out)
}

// scatter writes a level's [B, A*K, H, W] output into per-image rows
// starting at anchor index offset, ordered (y, x, anchor).
func (h *head) scatter(dst [][]float32, out *tensor.Tensor, offset int) {
	B, AK, H, W := out.Dims4()
	K := h.perAnchor
	A := AK / K
	for b := 0; b < B; b++ {
		rows := dst[b]
		plane := out.Data[b*AK*H*W : (b+1)*AK*H*W]
		for y := 0; y < H; y++ {
			for x := 0; x < W; x++ {
				cell := offset + (y*W+x)*A
				for a := 0; a < A; a++ {
					row := rows[(cell+a)*K : (cell+a+1)*K]
					for k := range row {
						row[k] = plane[((a*K+k)*H+y)*W+x]
					}
				}
			}
		}
	}
}

func (h *head) numParams() int {
	n := h.final.numParams()
	for _, c := range h.tower {
		n += c.numParams()
	}
	return n
}
