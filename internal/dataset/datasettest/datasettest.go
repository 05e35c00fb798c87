// Package datasettest writes small on-disk datasets for tests.
package datasettest

import (
	"archive/tar"
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"

	"retina-forge/internal/dataset"
)

// SampleClasses are the categories of the COCO sample subset, keyed by
// their COCO category ids.
var SampleClasses = []struct {
	ID   int64
	Name string
}{
	{62, "chair"},
	{63, "couch"},
	{72, "tv"},
	{75, "remote"},
	{84, "book"},
	{86, "vase"},
}

// Options shapes the synthetic sample.
type Options struct {
	Images   int
	MinSize  int
	MaxSize  int
	MaxBoxes int
	Seed     int64
}

// WriteSampleCOCO lays out a synthetic sample COCO dataset under dir using
// the same file layout as the real one and returns dir.
func WriteSampleCOCO(tb testing.TB, dir string, opts Options) string {
	tb.Helper()
	if opts.Images <= 0 {
		opts.Images = 10
	}
	if opts.MinSize <= 0 {
		opts.MinSize = 48
	}
	if opts.MaxSize < opts.MinSize {
		opts.MaxSize = opts.MinSize + 32
	}
	if opts.MaxBoxes <= 0 {
		opts.MaxBoxes = 7
	}
	rng := rand.New(rand.NewSource(opts.Seed))

	imgDir := filepath.Join(dir, dataset.SampleImages)
	mkdir(tb, imgDir)
	mkdir(tb, filepath.Join(dir, filepath.Dir(dataset.SampleAnnotations)))

	type img struct {
		ID       int64  `json:"id"`
		FileName string `json:"file_name"`
		Width    int    `json:"width"`
		Height   int    `json:"height"`
	}
	type ann struct {
		ID         int64      `json:"id"`
		ImageID    int64      `json:"image_id"`
		CategoryID int64      `json:"category_id"`
		BBox       [4]float32 `json:"bbox"`
		IsCrowd    int        `json:"iscrowd"`
	}
	type cat struct {
		ID   int64  `json:"id"`
		Name string `json:"name"`
	}
	doc := struct {
		Images      []img `json:"images"`
		Annotations []ann `json:"annotations"`
		Categories  []cat `json:"categories"`
	}{}
	for _, c := range SampleClasses {
		doc.Categories = append(doc.Categories, cat{ID: c.ID, Name: c.Name})
	}

	var annID int64
	for i := 0; i < opts.Images; i++ {
		w := opts.MinSize + rng.Intn(opts.MaxSize-opts.MinSize+1)
		h := opts.MinSize + rng.Intn(opts.MaxSize-opts.MinSize+1)
		name := fmt.Sprintf("%012d.png", i+1)
		id := int64(i + 1)
		doc.Images = append(doc.Images, img{ID: id, FileName: name, Width: w, Height: h})

		canvas := imaging.New(w, h, color.NRGBA{R: uint8(rng.Intn(256)), G: uint8(rng.Intn(256)), B: uint8(rng.Intn(256)), A: 255})
		for k, n := 0, rng.Intn(opts.MaxBoxes+1); k < n; k++ {
			bw := 4 + rng.Float32()*float32(w/2)
			bh := 4 + rng.Float32()*float32(h/2)
			x := rng.Float32() * (float32(w) - bw)
			y := rng.Float32() * (float32(h) - bh)
			annID++
			doc.Annotations = append(doc.Annotations, ann{
				ID:         annID,
				ImageID:    id,
				CategoryID: SampleClasses[rng.Intn(len(SampleClasses))].ID,
				BBox:       [4]float32{x, y, bw, bh},
			})
			patch := imaging.New(int(bw), int(bh), color.NRGBA{R: uint8(rng.Intn(256)), A: 255})
			canvas = imaging.Paste(canvas, patch, image.Pt(int(x), int(y)))
		}
		if err := imaging.Save(canvas, filepath.Join(imgDir, name)); err != nil {
			tb.Fatalf("save image: %v", err)
		}
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		tb.Fatalf("marshal annotations: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, dataset.SampleAnnotations), raw, 0o644); err != nil {
		tb.Fatalf("write annotations: %v", err)
	}
	return dir
}

// ShardEntry is one image plus target to pack into a shard.
type ShardEntry struct {
	Key    string
	Image  []byte
	Target dataset.Target
}

// EncodePNG renders a w x h image of a single colour.
func EncodePNG(tb testing.TB, w, h int, c color.Color) []byte {
	tb.Helper()
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, imaging.New(w, h, c), imaging.PNG); err != nil {
		tb.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

// WriteShard packs entries into a WebDataset-style tar at path.
func WriteShard(tb testing.TB, path string, entries []ShardEntry) {
	tb.Helper()
	mkdir(tb, filepath.Dir(path))
	buf := &bytes.Buffer{}
	tw := tar.NewWriter(buf)
	for _, e := range entries {
		target, err := json.Marshal(e.Target)
		if err != nil {
			tb.Fatalf("marshal target: %v", err)
		}
		addTarEntry(tb, tw, e.Key+".png", e.Image)
		addTarEntry(tb, tw, e.Key+".json", target)
	}
	if err := tw.Close(); err != nil {
		tb.Fatalf("close tar: %v", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		tb.Fatalf("write shard: %v", err)
	}
}

func addTarEntry(tb testing.TB, tw *tar.Writer, name string, data []byte) {
	tb.Helper()
	hdr := &tar.Header{Name: name, Size: int64(len(data)), Mode: 0o644}
	if err := tw.WriteHeader(hdr); err != nil {
		tb.Fatalf("write header: %v", err)
	}
	if _, err := tw.Write(data); err != nil {
		tb.Fatalf("write data: %v", err)
	}
}

func mkdir(tb testing.TB, dir string) {
	tb.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		tb.Fatalf("mkdir: %v", err)
	}
}
