package dataset

import (
	"archive/tar"
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"retina-forge/internal/box"
)

// Sample is a paired image and detection target read from a shard.
type Sample struct {
	Key    string
	Image  []byte
	Boxes  []box.Box
	Labels []int
}

// Target is the JSON payload stored next to each image as <key>.json.
// Boxes are corner encoded in source pixels.
type Target struct {
	Boxes  [][4]float32 `json:"boxes"`
	Labels []int        `json:"labels"`
}

// ErrPendingOverflow indicates the pairing map exceeded the configured bound.
var ErrPendingOverflow = errors.New("webdataset: pending pair buffer exceeded")

const defaultPendingCap = 1024

// StreamShard streams paired samples from the shard at path.
func StreamShard(ctx context.Context, path string, pendingCap int) (<-chan Sample, <-chan error) {
	if pendingCap <= 0 {
		pendingCap = defaultPendingCap
	}
	out := make(chan Sample)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		f, err := os.Open(path)
		if err != nil {
			errCh <- fmt.Errorf("open shard: %w", err)
			return
		}
		defer f.Close()

		tr := tar.NewReader(bufio.NewReader(f))
		pending := make(map[string]*partial)

		for {
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			default:
			}

			hdr, err := tr.Next()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				errCh <- fmt.Errorf("read tar: %w", err)
				return
			}
			if hdr.FileInfo().IsDir() {
				continue
			}
			name := filepath.Base(hdr.Name)
			ext := strings.ToLower(filepath.Ext(name))
			key := strings.TrimSuffix(name, ext)

			switch ext {
			case ".jpg", ".jpeg", ".png":
				data, err := io.ReadAll(tr)
				if err != nil {
					errCh <- fmt.Errorf("read image %s: %w", name, err)
					return
				}
				pendingFor(pending, key).image = data
			case ".json":
				var target Target
				if err := json.NewDecoder(tr).Decode(&target); err != nil {
					errCh <- fmt.Errorf("parse target %s: %w", name, err)
					return
				}
				if len(target.Boxes) != len(target.Labels) {
					errCh <- fmt.Errorf("target %s: %d boxes, %d labels", name, len(target.Boxes), len(target.Labels))
					return
				}
				pendingFor(pending, key).target = &target
			default:
				continue
			}

			if len(pending) > pendingCap {
				errCh <- ErrPendingOverflow
				return
			}

			if part := pending[key]; part.ready() {
				delete(pending, key)
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				case out <- part.sample(key):
				}
			}
		}

		if len(pending) > 0 {
			errCh <- fmt.Errorf("%d samples incomplete", len(pending))
		}
	}()

	return out, errCh
}

type partial struct {
	image  []byte
	target *Target
}

func pendingFor(pending map[string]*partial, key string) *partial {
	part := pending[key]
	if part == nil {
		part = &partial{}
		pending[key] = part
	}
	return part
}

func (p *partial) ready() bool {
	return len(p.image) > 0 && p.target != nil
}

func (p *partial) sample(key string) Sample {
	s := Sample{
		Key:    key,
		Image:  p.image,
		Boxes:  make([]box.Box, len(p.target.Boxes)),
		Labels: append([]int{}, p.target.Labels...),
	}
	for i, b := range p.target.Boxes {
		s.Boxes[i] = box.Box{X1: b[0], Y1: b[1], X2: b[2], Y2: b[3]}
	}
	return s
}
