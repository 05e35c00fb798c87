package loss

import "math"

// SigmoidFocal is the focal loss of a single logit x against a binary
// target t, computed from the stable BCE-with-logits form.
func SigmoidFocal(x, t, alpha, gamma float64) float64 {
	ce := math.Max(x, 0) - x*t + math.Log1p(math.Exp(-math.Abs(x)))
	p := sigmoid(x)
	pt := p*t + (1-p)*(1-t)
	w := math.Pow(1-pt, gamma)
	if alpha >= 0 {
		w *= alpha*t + (1-alpha)*(1-t)
	}
	return ce * w
}

// SmoothL1 is the Huber-style box penalty; beta == 0 degrades to L1.
func SmoothL1(d, beta float64) float64 {
	d = math.Abs(d)
	if d < beta {
		return 0.5 * d * d / beta
	}
	return d - 0.5*beta
}

func sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}
