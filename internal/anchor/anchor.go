package anchor

import (
	"fmt"
	"math"

	"retina-forge/internal/box"
)

// NumAnchors is the number of anchors per feature-map cell: three aspect
// ratios times three scales.
const NumAnchors = 9

// Level describes one pyramid level's feature map.
type Level struct {
	Height, Width int
	Stride        int
	Size          float32
}

// Generator lays anchors over a feature pyramid.
type Generator struct {
	Sizes   []float32
	Strides []int
	Ratios  []float32
	Scales  []float32
}

// NewGenerator returns the P3-P7 configuration.
func NewGenerator() *Generator {
	return &Generator{
		Sizes:   []float32{32, 64, 128, 256, 512},
		Strides: []int{8, 16, 32, 64, 128},
		Ratios:  []float32{0.5, 1, 2},
		Scales:  []float32{1, float32(math.Pow(2, 1.0/3)), float32(math.Pow(2, 2.0/3))},
	}
}

// PerCell is the anchor count per location.
func (g *Generator) PerCell() int { return len(g.Ratios) * len(g.Scales) }

// Levels pairs feature-map shapes with the configured strides and sizes.
func (g *Generator) Levels(shapes [][2]int) ([]Level, error) {
	if len(shapes) != len(g.Sizes) {
		return nil, fmt.Errorf("anchor: got %d feature maps, want %d", len(shapes), len(g.Sizes))
	}
	levels := make([]Level, len(shapes))
	for i, s := range shapes {
		levels[i] = Level{Height: s[0], Width: s[1], Stride: g.Strides[i], Size: g.Sizes[i]}
	}
	return levels, nil
}

// Generate returns anchors ordered by level, row, column, then cell anchor,
// matching the layout of the flattened head outputs.
func (g *Generator) Generate(levels []Level) []box.Box {
	cell := g.cellAnchors()
	total := 0
	for _, l := range levels {
		total += l.Height * l.Width * len(cell[0])
	}
	out := make([]box.Box, 0, total)
	for li, l := range levels {
		base := cell[li%len(cell)]
		stride := float32(l.Stride)
		for y := 0; y < l.Height; y++ {
			cy := (float32(y) + 0.5) * stride
			for x := 0; x < l.Width; x++ {
				cx := (float32(x) + 0.5) * stride
				for _, a := range base {
					out = append(out, box.Box{X1: cx + a.X1, Y1: cy + a.Y1, X2: cx + a.X2, Y2: cy + a.Y2})
				}
			}
		}
	}
	return out
}

// cellAnchors returns zero-centered anchors for each size.
func (g *Generator) cellAnchors() [][]box.Box {
	out := make([][]box.Box, len(g.Sizes))
	for i, size := range g.Sizes {
		anchors := make([]box.Box, 0, g.PerCell())
		for _, r := range g.Ratios {
			for _, s := range g.Scales {
				area := size * s * size * s
				w := float32(math.Sqrt(float64(area / r)))
				h := w * r
				anchors = append(anchors, box.Box{X1: -w / 2, Y1: -h / 2, X2: w / 2, Y2: h / 2})
			}
		}
		out[i] = anchors
	}
	return out
}
