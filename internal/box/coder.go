package box

import "math"

// maxDeltaLog bounds dw/dh before exponentiation.
var maxDeltaLog = float32(math.Log(1000.0 / 16))

// Coder converts between boxes and regression deltas relative to anchors.
type Coder struct {
	Weights [4]float32
}

// DefaultCoder uses unit weights.
var DefaultCoder = Coder{Weights: [4]float32{1, 1, 1, 1}}

// Encode returns (dx, dy, dw, dh) taking anchor to gt.
func (c Coder) Encode(gt, anchor Box) [4]float32 {
	aw, ah := anchor.Width(), anchor.Height()
	acx, acy := anchor.Center()
	gw, gh := gt.Width(), gt.Height()
	gcx, gcy := gt.Center()
	return [4]float32{
		c.Weights[0] * (gcx - acx) / aw,
		c.Weights[1] * (gcy - acy) / ah,
		c.Weights[2] * float32(math.Log(float64(gw/aw))),
		c.Weights[3] * float32(math.Log(float64(gh/ah))),
	}
}

// Decode applies deltas to anchor.
func (c Coder) Decode(deltas [4]float32, anchor Box) Box {
	aw, ah := anchor.Width(), anchor.Height()
	acx, acy := anchor.Center()
	dx := deltas[0] / c.Weights[0]
	dy := deltas[1] / c.Weights[1]
	dw := min(deltas[2]/c.Weights[2], maxDeltaLog)
	dh := min(deltas[3]/c.Weights[3], maxDeltaLog)

	cx := dx*aw + acx
	cy := dy*ah + acy
	w := float32(math.Exp(float64(dw))) * aw
	h := float32(math.Exp(float64(dh))) * ah
	return Box{X1: cx - w/2, Y1: cy - h/2, X2: cx + w/2, Y2: cy + h/2}
}
