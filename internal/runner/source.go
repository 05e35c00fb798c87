package runner

import (
	"context"
	"errors"
	"math/rand"

	"retina-forge/internal/dataset"
)

// source yields batches until the run is over.
type source interface {
	next(ctx context.Context) (dataset.Batch, error)
	close()
}

// dummySource draws random images and boxes.
type dummySource struct {
	rng        *rand.Rand
	batchSize  int
	imageSize  int
	numClasses int
	maxBoxes   int
}

func (s *dummySource) next(ctx context.Context) (dataset.Batch, error) {
	if err := ctx.Err(); err != nil {
		return dataset.Batch{}, err
	}
	return dataset.DummyBatch(s.rng, s.batchSize, s.imageSize, s.numClasses, s.maxBoxes), nil
}

func (s *dummySource) close() {}

// cocoSource replays the train split of the sample dataset, starting a new
// pass when one is exhausted.
type cocoSource struct {
	loader  *dataset.Loader
	cancel  context.CancelFunc
	batches <-chan dataset.Batch
	errs    <-chan error
}

func (s *cocoSource) next(ctx context.Context) (dataset.Batch, error) {
	for attempt := 0; attempt < 2; attempt++ {
		if s.batches == nil {
			passCtx, cancel := context.WithCancel(ctx)
			s.cancel = cancel
			s.batches, s.errs = s.loader.Batches(passCtx)
		}
		select {
		case <-ctx.Done():
			return dataset.Batch{}, ctx.Err()
		case b, ok := <-s.batches:
			if ok {
				return b, nil
			}
		}
		err := <-s.errs
		s.close()
		if err != nil {
			return dataset.Batch{}, err
		}
	}
	return dataset.Batch{}, dataset.ErrNoSamples
}

func (s *cocoSource) close() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	for range s.batches {
	}
	s.cancel, s.batches, s.errs = nil, nil, nil
}

// shardSource reads WebDataset shards through the sampler.
type shardSource struct {
	cancel    context.CancelFunc
	samples   <-chan dataset.Sample
	errs      <-chan error
	batchSize int
	imageSize int
}

func newShardSource(ctx context.Context, roots map[string][]string, seed int64, workers, batchSize, imageSize int) (*shardSource, error) {
	ctx, cancel := context.WithCancel(ctx)
	samples, errs, err := dataset.StartSampler(ctx, dataset.SamplerOptions{
		Roots:      roots,
		Seed:       seed,
		NumWorkers: workers,
	})
	if err != nil {
		cancel()
		return nil, err
	}
	return &shardSource{cancel: cancel, samples: samples, errs: errs, batchSize: batchSize, imageSize: imageSize}, nil
}

func (s *shardSource) next(ctx context.Context) (dataset.Batch, error) {
	b, err := dataset.NextBatch(ctx, s.samples, s.errs, s.batchSize, s.imageSize)
	if errors.Is(err, dataset.ErrSamplerClosed) {
		return dataset.Batch{}, dataset.ErrNoSamples
	}
	return b, err
}

func (s *shardSource) close() {
	s.cancel()
	for range s.errs {
	}
}
