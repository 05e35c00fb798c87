package dataset

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"retina-forge/internal/box"
)

// ErrNoSamples reports an annotation file without usable images.
var ErrNoSamples = errors.New("dataset: no samples")

// Record is one annotated image in source-pixel coordinates.
type Record struct {
	ID     int64
	File   string
	Width  int
	Height int
	Boxes  []box.Box
	Labels []int
}

// Index is a parsed COCO instances file.
type Index struct {
	Records []Record
	Classes []string
}

type cocoFile struct {
	Images      []cocoImage      `json:"images"`
	Annotations []cocoAnnotation `json:"annotations"`
	Categories  []cocoCategory   `json:"categories"`
}

type cocoImage struct {
	ID       int64  `json:"id"`
	FileName string `json:"file_name"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
}

type cocoAnnotation struct {
	ImageID    int64      `json:"image_id"`
	CategoryID int64      `json:"category_id"`
	BBox       [4]float32 `json:"bbox"`
	IsCrowd    int        `json:"iscrowd"`
}

type cocoCategory struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// LoadAnnotations parses the COCO instances file at path.
func LoadAnnotations(path string) (*Index, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open annotations: %w", err)
	}
	defer f.Close()
	idx, err := ParseAnnotations(f)
	if err != nil {
		return nil, fmt.Errorf("parse annotations %s: %w", path, err)
	}
	return idx, nil
}

// ParseAnnotations decodes a COCO instances document. Category ids are mapped
// to contiguous labels in ascending id order. Crowd annotations and boxes
// with no area are dropped; images keep their place even with no boxes.
func ParseAnnotations(r io.Reader) (*Index, error) {
	var doc cocoFile
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, err
	}
	if len(doc.Images) == 0 {
		return nil, ErrNoSamples
	}

	cats := append([]cocoCategory(nil), doc.Categories...)
	sort.Slice(cats, func(i, j int) bool { return cats[i].ID < cats[j].ID })
	labelOf := make(map[int64]int, len(cats))
	classes := make([]string, len(cats))
	for i, c := range cats {
		labelOf[c.ID] = i
		classes[i] = c.Name
	}

	images := append([]cocoImage(nil), doc.Images...)
	sort.Slice(images, func(i, j int) bool { return images[i].ID < images[j].ID })
	records := make([]Record, len(images))
	pos := make(map[int64]int, len(images))
	for i, img := range images {
		records[i] = Record{ID: img.ID, File: img.FileName, Width: img.Width, Height: img.Height}
		pos[img.ID] = i
	}

	for _, ann := range doc.Annotations {
		if ann.IsCrowd != 0 {
			continue
		}
		i, ok := pos[ann.ImageID]
		if !ok {
			return nil, fmt.Errorf("annotation references unknown image %d", ann.ImageID)
		}
		label, ok := labelOf[ann.CategoryID]
		if !ok {
			return nil, fmt.Errorf("annotation references unknown category %d", ann.CategoryID)
		}
		b := box.FromXYWH(ann.BBox[0], ann.BBox[1], ann.BBox[2], ann.BBox[3])
		if !b.Valid() {
			continue
		}
		records[i].Boxes = append(records[i].Boxes, b)
		records[i].Labels = append(records[i].Labels, label)
	}
	return &Index{Records: records, Classes: classes}, nil
}
