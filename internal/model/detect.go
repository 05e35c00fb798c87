package model

import (
	"sort"

	"retina-forge/internal/box"
	"retina-forge/internal/tensor"
)

// Detection is one post-processed prediction.
type Detection struct {
	Box   box.Box `json:"box"`
	Score float32 `json:"score"`
	Label int     `json:"label"`
}

// DetectOptions controls post-processing. Zero values pick the defaults.
type DetectOptions struct {
	ScoreThreshold float32
	NMSThreshold   float32
	TopK           int
	MaxDetections  int
}

func (o DetectOptions) withDefaults() DetectOptions {
	if o.ScoreThreshold <= 0 {
		o.ScoreThreshold = 0.05
	}
	if o.NMSThreshold <= 0 {
		o.NMSThreshold = 0.5
	}
	if o.TopK <= 0 {
		o.TopK = 1000
	}
	if o.MaxDetections <= 0 {
		o.MaxDetections = 100
	}
	return o
}

type candidate struct {
	anchor int
	label  int
	score  float32
}

// Detect turns raw outputs into per-image detections: score filter, top-k,
// box decoding, clipping to the image and class-wise NMS.
func Detect(out *Outputs, opts DetectOptions) ([][]Detection, error) {
	if err := out.Check(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	w, h := float32(out.ImageWidth), float32(out.ImageHeight)
	results := make([][]Detection, out.BatchSize())
	for i := range results {
		var cands []candidate
		for a := range out.Anchors {
			for c, logit := range out.Logits(i, a) {
				if s := tensor.Sigmoid(logit); s > opts.ScoreThreshold {
					cands = append(cands, candidate{anchor: a, label: c, score: s})
				}
			}
		}
		sort.SliceStable(cands, func(x, y int) bool { return cands[x].score > cands[y].score })
		if len(cands) > opts.TopK {
			cands = cands[:opts.TopK]
		}

		boxes := make([]box.Box, 0, len(cands))
		scores := make([]float32, 0, len(cands))
		labels := make([]int, 0, len(cands))
		for _, c := range cands {
			b := box.DefaultCoder.Decode(out.Deltas(i, c.anchor), out.Anchors[c.anchor]).Clip(w, h)
			if !b.Valid() {
				continue
			}
			boxes = append(boxes, b)
			scores = append(scores, c.score)
			labels = append(labels, c.label)
		}

		keep := box.BatchedNMS(boxes, scores, labels, opts.NMSThreshold)
		if len(keep) > opts.MaxDetections {
			keep = keep[:opts.MaxDetections]
		}
		dets := make([]Detection, 0, len(keep))
		for _, k := range keep {
			dets = append(dets, Detection{Box: boxes[k], Score: scores[k], Label: labels[k]})
		}
		results[i] = dets
	}
	return results, nil
}
