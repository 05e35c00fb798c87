package dataset

import (
	"context"
	"errors"
	"log"
)

// ErrSamplerClosed reports a sample stream that ended mid-batch.
var ErrSamplerClosed = errors.New("sampler closed")

// NextBatch pulls batchSize decodable samples from a sampler stream and
// collates them at imageSize. Samples whose image fails to decode are logged
// and skipped.
func NextBatch(ctx context.Context, samples <-chan Sample, errs <-chan error, batchSize, imageSize int) (Batch, error) {
	examples := make([]Example, 0, batchSize)
	for len(examples) < batchSize {
		select {
		case <-ctx.Done():
			return Batch{}, ctx.Err()
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				return Batch{}, err
			}
		case sample, ok := <-samples:
			if !ok {
				// the sampler reports a failure before closing its streams
				if errs != nil {
					if err, ok := <-errs; ok && err != nil {
						return Batch{}, err
					}
				}
				return Batch{}, ErrSamplerClosed
			}
			ex, err := DecodeBytes(sample.Image, imageSize, sample.Boxes, sample.Labels)
			if err != nil {
				log.Printf("skip sample key=%s err=%v", sample.Key, err)
				continue
			}
			ex.Key = sample.Key
			examples = append(examples, ex)
		}
	}
	return Collate(examples)
}
