package dataset

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"path/filepath"
	"sync"

	"retina-forge/internal/box"
	"retina-forge/internal/tensor"
)

// Sample COCO layout: <root>/annotations/train_sample.json and the images
// under <root>/train_sample/.
const (
	SampleAnnotations = "annotations/train_sample.json"
	SampleImages      = "train_sample"
)

// Batch is a fixed-size group of images with their variable-length targets.
type Batch struct {
	Images *tensor.Tensor
	Boxes  [][]box.Box
	Labels [][]int
	Keys   []string
}

// Len returns the number of images in the batch.
func (b Batch) Len() int { return len(b.Boxes) }

// LoaderOptions configures LoadSampleCOCO.
type LoaderOptions struct {
	BatchSize int
	Seed      int64
	ImageSize int
	// ValidPct is the share of images held out for validation. In
	// LoadSampleCOCO zero means DefaultValidPct; a negative value disables
	// the validation split.
	ValidPct   float64
	NumWorkers int
}

// DefaultValidPct is the validation share LoadSampleCOCO uses when none is
// given.
const DefaultValidPct = 0.2

func (o *LoaderOptions) withDefaults() error {
	if o.BatchSize <= 0 {
		return fmt.Errorf("dataset: batch size must be > 0 (got %d)", o.BatchSize)
	}
	if o.ImageSize <= 0 {
		o.ImageSize = 512
	}
	if o.ValidPct < 0 {
		o.ValidPct = 0
	}
	if o.ValidPct >= 1 {
		return fmt.Errorf("dataset: valid pct must be in [0,1) (got %v)", o.ValidPct)
	}
	if o.NumWorkers <= 0 {
		o.NumWorkers = 1
	}
	return nil
}

// DataLoaders pairs the train and validation loaders of one dataset.
type DataLoaders struct {
	Train   *Loader
	Valid   *Loader
	Classes []string
}

// OneBatch returns the first training batch.
func (d *DataLoaders) OneBatch(ctx context.Context) (Batch, error) {
	return d.Train.OneBatch(ctx)
}

// LoadSampleCOCO indexes the sample COCO dataset under root and splits it
// into train and validation loaders with a seeded shuffle. The same seed
// always yields the same split and batch order.
func LoadSampleCOCO(root string, opts LoaderOptions) (*DataLoaders, error) {
	if opts.ValidPct == 0 {
		opts.ValidPct = DefaultValidPct
	}
	if err := opts.withDefaults(); err != nil {
		return nil, err
	}
	idx, err := LoadAnnotations(filepath.Join(root, SampleAnnotations))
	if err != nil {
		return nil, err
	}
	return NewDataLoaders(idx, filepath.Join(root, SampleImages), opts)
}

// NewDataLoaders splits an already parsed index.
func NewDataLoaders(idx *Index, imageDir string, opts LoaderOptions) (*DataLoaders, error) {
	if err := opts.withDefaults(); err != nil {
		return nil, err
	}
	if len(idx.Records) == 0 {
		return nil, ErrNoSamples
	}
	rng := rand.New(rand.NewSource(opts.Seed))
	perm := rng.Perm(len(idx.Records))
	nValid := int(math.Round(opts.ValidPct * float64(len(perm))))
	if nValid >= len(perm) {
		nValid = len(perm) - 1
	}

	pick := func(ids []int) []Record {
		out := make([]Record, len(ids))
		for i, id := range ids {
			out[i] = idx.Records[id]
		}
		return out
	}
	train := &Loader{dir: imageDir, records: pick(perm[nValid:]), opts: opts, dropLast: true}
	train.order = rng.Perm(len(train.records))
	valid := &Loader{dir: imageDir, records: pick(perm[:nValid]), opts: opts}
	valid.order = identity(len(valid.records))

	return &DataLoaders{Train: train, Valid: valid, Classes: idx.Classes}, nil
}

// Loader yields batches of one split in a fixed order.
type Loader struct {
	dir      string
	records  []Record
	order    []int
	opts     LoaderOptions
	dropLast bool
}

// Records returns the split's records in batch order.
func (l *Loader) Records() []Record {
	out := make([]Record, len(l.order))
	for i, id := range l.order {
		out[i] = l.records[id]
	}
	return out
}

// Len returns the number of batches.
func (l *Loader) Len() int {
	n := len(l.order) / l.opts.BatchSize
	if !l.dropLast && len(l.order)%l.opts.BatchSize != 0 {
		n++
	}
	return n
}

// OneBatch decodes only the first batch.
func (l *Loader) OneBatch(ctx context.Context) (Batch, error) {
	if l.Len() == 0 {
		return Batch{}, fmt.Errorf("%w: %d records for batch size %d", ErrNoSamples, len(l.order), l.opts.BatchSize)
	}
	n := min(l.opts.BatchSize, len(l.order))
	examples, err := l.decodeRange(ctx, 0, n)
	if err != nil {
		return Batch{}, err
	}
	return Collate(examples)
}

// Batches streams every batch in order. The error channel carries at most
// one error and is closed with the batch channel.
func (l *Loader) Batches(ctx context.Context) (<-chan Batch, <-chan error) {
	out := make(chan Batch)
	errCh := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errCh)
		for b := 0; b < l.Len(); b++ {
			start := b * l.opts.BatchSize
			end := min(start+l.opts.BatchSize, len(l.order))
			examples, err := l.decodeRange(ctx, start, end)
			if err == nil {
				var batch Batch
				batch, err = Collate(examples)
				if err == nil {
					select {
					case <-ctx.Done():
						err = ctx.Err()
					case out <- batch:
						continue
					}
				}
			}
			if !errors.Is(err, context.Canceled) {
				errCh <- err
			}
			return
		}
	}()
	return out, errCh
}

type decodeJob struct {
	id  int
	rec Record
}

type decodeResult struct {
	id  int
	ex  Example
	err error
}

// decodeRange decodes order[start:end] on NumWorkers goroutines and returns
// the examples in order.
func (l *Loader) decodeRange(ctx context.Context, start, end int) ([]Example, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := make(chan decodeJob)
	results := make(chan decodeResult, l.opts.NumWorkers)

	go func() {
		defer close(jobs)
		for i := start; i < end; i++ {
			select {
			case <-ctx.Done():
				return
			case jobs <- decodeJob{id: i - start, rec: l.records[l.order[i]]}:
			}
		}
	}()

	var wg sync.WaitGroup
	for w := 0; w < l.opts.NumWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				ex, err := DecodeFile(filepath.Join(l.dir, job.rec.File), l.opts.ImageSize, job.rec.Boxes, job.rec.Labels)
				ex.Key = job.rec.File
				select {
				case <-ctx.Done():
					return
				case results <- decodeResult{id: job.id, ex: ex, err: err}:
				}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	examples := make([]Example, end-start)
	received := 0
	for res := range results {
		if res.err != nil {
			return nil, res.err
		}
		examples[res.id] = res.ex
		received++
	}
	if received != len(examples) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("dataset: decoded %d of %d images", received, len(examples))
	}
	return examples, nil
}

// Collate stacks examples of equal size into a Batch.
func Collate(examples []Example) (Batch, error) {
	imgs := make([]*tensor.Tensor, len(examples))
	batch := Batch{
		Boxes:  make([][]box.Box, len(examples)),
		Labels: make([][]int, len(examples)),
		Keys:   make([]string, len(examples)),
	}
	for i, ex := range examples {
		imgs[i] = ex.Image
		batch.Boxes[i] = ex.Boxes
		batch.Labels[i] = ex.Labels
		batch.Keys[i] = ex.Key
	}
	images, err := tensor.Stack(imgs)
	if err != nil {
		return Batch{}, fmt.Errorf("collate: %w", err)
	}
	batch.Images = images
	return batch, nil
}

func identity(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}
