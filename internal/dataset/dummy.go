package dataset

import (
	"math/rand"

	"retina-forge/internal/box"
	"retina-forge/internal/tensor"
)

// DummyBatch builds a synthetic batch: N(0,1) images of size x size and,
// per image, 0..maxBoxes boxes with N(0,1) corners and uniform labels.
// Many of the boxes are degenerate on purpose; the criterion must cope.
func DummyBatch(rng *rand.Rand, batchSize, size, numClasses, maxBoxes int) Batch {
	b := Batch{
		Images: tensor.Randn(rng, 1, batchSize, 3, size, size),
		Boxes:  make([][]box.Box, batchSize),
		Labels: make([][]int, batchSize),
		Keys:   make([]string, batchSize),
	}
	for i := 0; i < batchSize; i++ {
		n := rng.Intn(maxBoxes + 1)
		b.Boxes[i] = make([]box.Box, n)
		b.Labels[i] = make([]int, n)
		for k := 0; k < n; k++ {
			b.Boxes[i][k] = box.Box{
				X1: float32(rng.NormFloat64()),
				Y1: float32(rng.NormFloat64()),
				X2: float32(rng.NormFloat64()),
				Y2: float32(rng.NormFloat64()),
			}
			b.Labels[i][k] = rng.Intn(numClasses)
		}
	}
	return b
}
