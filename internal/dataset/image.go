package dataset

import (
	"bytes"
	"errors"
	"fmt"
	"image"

	"github.com/disintegration/imaging"

	"retina-forge/internal/box"
	"retina-forge/internal/tensor"
)

var (
	imagenetMean = [3]float32{0.485, 0.456, 0.406}
	imagenetStd  = [3]float32{0.229, 0.224, 0.225}
)

// Example is one preprocessed image with targets in resized pixels.
type Example struct {
	Key    string
	Image  *tensor.Tensor
	Boxes  []box.Box
	Labels []int
}

// DecodeFile opens and preprocesses an image file.
func DecodeFile(path string, size int, boxes []box.Box, labels []int) (Example, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return Example{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return Preprocess(img, size, boxes, labels)
}

// DecodeBytes preprocesses an encoded JPEG or PNG payload.
func DecodeBytes(raw []byte, size int, boxes []box.Box, labels []int) (Example, error) {
	img, err := imaging.Decode(bytes.NewReader(raw), imaging.AutoOrientation(true))
	if err != nil {
		return Example{}, fmt.Errorf("decode image: %w", err)
	}
	return Preprocess(img, size, boxes, labels)
}

// Preprocess resizes img to size x size, normalises it with the ImageNet
// statistics into a [3,size,size] tensor and rescales boxes to match.
// Boxes that collapse after clipping are dropped with their labels.
func Preprocess(img image.Image, size int, boxes []box.Box, labels []int) (Example, error) {
	bounds := img.Bounds()
	if bounds.Dx() == 0 || bounds.Dy() == 0 {
		return Example{}, errors.New("empty image")
	}
	if size <= 0 {
		return Example{}, fmt.Errorf("image size must be > 0 (got %d)", size)
	}
	resized := imaging.Resize(img, size, size, imaging.Linear)

	t := tensor.New(3, size, size)
	plane := size * size
	for y := 0; y < size; y++ {
		row := resized.Pix[y*resized.Stride : y*resized.Stride+size*4]
		for x := 0; x < size; x++ {
			px := row[x*4 : x*4+3]
			for c := 0; c < 3; c++ {
				v := float32(px[c]) / 255
				t.Data[c*plane+y*size+x] = (v - imagenetMean[c]) / imagenetStd[c]
			}
		}
	}

	sx := float32(size) / float32(bounds.Dx())
	sy := float32(size) / float32(bounds.Dy())
	scaled := make([]box.Box, len(boxes))
	for i, b := range boxes {
		scaled[i] = b.Scale(sx, sy).Clip(float32(size), float32(size))
	}
	keptBoxes, keptLabels := box.RemoveZeroAreaBoxes(scaled, labels)
	if keptLabels == nil {
		keptLabels = []int{}
	}
	return Example{Image: t, Boxes: keptBoxes, Labels: keptLabels}, nil
}
