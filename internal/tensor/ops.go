package tensor

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"retina-forge/internal/device"
)

// Conv2D convolves x [N,C,H,W] with w [O,C,KH,KW] using im2col.
// bias may be nil; otherwise it must hold O values.
func Conv2D(x, w *Tensor, bias []float32, stride, pad int) *Tensor {
	N, C, H, W := x.Dims4()
	O, CK, KH, KW := w.Dims4()
	if C != CK {
		panic(fmt.Sprintf("conv2d: input channels %d != kernel channels %d", C, CK))
	}
	if bias != nil && len(bias) != O {
		panic(fmt.Sprintf("conv2d: bias has %d values for %d filters", len(bias), O))
	}
	if stride <= 0 {
		stride = 1
	}
	HOut := (H+2*pad-KH)/stride + 1
	WOut := (W+2*pad-KW)/stride + 1
	if HOut <= 0 || WOut <= 0 {
		panic(fmt.Sprintf("conv2d: empty output %dx%d for input %dx%d kernel %dx%d", HOut, WOut, H, W, KH, KW))
	}

	out := New(N, O, HOut, WOut)
	K := C * KH * KW
	P := HOut * WOut
	pointwise := KH == 1 && KW == 1 && stride == 1 && pad == 0
	var col []float32
	if !pointwise {
		col = make([]float32, K*P)
	}
	weights := blas32.General{Rows: O, Cols: K, Stride: K, Data: w.Data[:O*K]}

	for n := 0; n < N; n++ {
		src := x.Data[n*C*H*W : (n+1)*C*H*W]
		if pointwise {
			col = src
		} else {
			im2col(col, src, C, H, W, KH, KW, HOut, WOut, stride, pad)
		}
		dst := out.Data[n*O*P : (n+1)*O*P]
		beta := float32(0)
		if bias != nil {
			for o, b := range bias {
				row := dst[o*P : (o+1)*P]
				for p := range row {
					row[p] = b
				}
			}
			beta = 1
		}
		// dst[O,P] = weights[O,K] x col[K,P] (+ bias)
		blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, weights,
			blas32.General{Rows: K, Cols: P, Stride: P, Data: col},
			beta, blas32.General{Rows: O, Cols: P, Stride: P, Data: dst})
	}
	return out
}

// im2col lays out patches as [C*KH*KW, HOut*WOut].
func im2col(col, src []float32, C, H, W, KH, KW, HOut, WOut, stride, pad int) {
	P := HOut * WOut
	for c := 0; c < C; c++ {
		for ky := 0; ky < KH; ky++ {
			for kx := 0; kx < KW; kx++ {
				rowBase := ((c*KH+ky)*KW + kx) * P
				for oy := 0; oy < HOut; oy++ {
					iy := oy*stride - pad + ky
					dst := col[rowBase+oy*WOut : rowBase+(oy+1)*WOut]
					if iy < 0 || iy >= H {
						for i := range dst {
							dst[i] = 0
						}
						continue
					}
					srcRow := src[(c*H+iy)*W : (c*H+iy+1)*W]
					for ox := range dst {
						ix := ox*stride - pad + kx
						if ix < 0 || ix >= W {
							dst[ox] = 0
						} else {
							dst[ox] = srcRow[ix]
						}
					}
				}
			}
		}
	}
}

// ChannelStats returns per-channel mean and biased variance over N, H and W.
func ChannelStats(x *Tensor) (mean, variance []float32) {
	N, C, H, W := x.Dims4()
	mean = make([]float32, C)
	variance = make([]float32, C)
	count := float64(N * H * W)
	device.Default().For(C, func(c int) {
		var sum, sq float64
		for n := 0; n < N; n++ {
			plane := x.Data[(n*C+c)*H*W : (n*C+c+1)*H*W]
			for _, v := range plane {
				sum += float64(v)
			}
		}
		m := sum / count
		for n := 0; n < N; n++ {
			plane := x.Data[(n*C+c)*H*W : (n*C+c+1)*H*W]
			for _, v := range plane {
				d := float64(v) - m
				sq += d * d
			}
		}
		mean[c] = float32(m)
		variance[c] = float32(sq / count)
	})
	return mean, variance
}

// Normalize applies gamma*(x-mean)/sqrt(var+eps)+beta per channel, in place.
func Normalize(x *Tensor, mean, variance, gamma, beta []float32, eps float32) {
	N, C, H, W := x.Dims4()
	device.Default().For(C, func(c int) {
		scale := gamma[c] / float32(math.Sqrt(float64(variance[c]+eps)))
		shift := beta[c] - mean[c]*scale
		for n := 0; n < N; n++ {
			plane := x.Data[(n*C+c)*H*W : (n*C+c+1)*H*W]
			for i, v := range plane {
				plane[i] = v*scale + shift
			}
		}
	})
}

// ReLU clamps negatives to zero in place and returns x.
func ReLU(x *Tensor) *Tensor {
	for i, v := range x.Data {
		if v < 0 {
			x.Data[i] = 0
		}
	}
	return x
}

// MaxPool2D takes the max over k x k windows; padding never wins.
func MaxPool2D(x *Tensor, k, stride, pad int) *Tensor {
	N, C, H, W := x.Dims4()
	HOut := (H+2*pad-k)/stride + 1
	WOut := (W+2*pad-k)/stride + 1
	if HOut <= 0 || WOut <= 0 {
		panic(fmt.Sprintf("maxpool2d: empty output for input %dx%d", H, W))
	}
	out := New(N, C, HOut, WOut)
	device.Default().For(N*C, func(nc int) {
		src := x.Data[nc*H*W : (nc+1)*H*W]
		dst := out.Data[nc*HOut*WOut : (nc+1)*HOut*WOut]
		for oy := 0; oy < HOut; oy++ {
			for ox := 0; ox < WOut; ox++ {
				best := float32(math.Inf(-1))
				for ky := 0; ky < k; ky++ {
					iy := oy*stride - pad + ky
					if iy < 0 || iy >= H {
						continue
					}
					for kx := 0; kx < k; kx++ {
						ix := ox*stride - pad + kx
						if ix < 0 || ix >= W {
							continue
						}
						if v := src[iy*W+ix]; v > best {
							best = v
						}
					}
				}
				dst[oy*WOut+ox] = best
			}
		}
	})
	return out
}

// AddInPlace accumulates b into a. Shapes must match.
func AddInPlace(a, b *Tensor) *Tensor {
	if len(a.Data) != len(b.Data) {
		panic(fmt.Sprintf("add: shape %v vs %v", a.Shape, b.Shape))
	}
	for i, v := range b.Data {
		a.Data[i] += v
	}
	return a
}

// UpsampleNearest resizes the spatial dims of x to outH x outW.
func UpsampleNearest(x *Tensor, outH, outW int) *Tensor {
	N, C, H, W := x.Dims4()
	out := New(N, C, outH, outW)
	xs := make([]int, outW)
	for ox := range xs {
		xs[ox] = min(ox*W/outW, W-1)
	}
	for nc := 0; nc < N*C; nc++ {
		src := x.Data[nc*H*W : (nc+1)*H*W]
		dst := out.Data[nc*outH*outW : (nc+1)*outH*outW]
		for oy := 0; oy < outH; oy++ {
			iy := min(oy*H/outH, H-1)
			for ox, ix := range xs {
				dst[oy*outW+ox] = src[iy*W+ix]
			}
		}
	}
	return out
}

// Sigmoid is the logistic function, stable for large |v|.
func Sigmoid(v float32) float32 {
	if v >= 0 {
		return 1 / (1 + float32(math.Exp(float64(-v))))
	}
	e := float32(math.Exp(float64(v)))
	return e / (1 + e)
}
