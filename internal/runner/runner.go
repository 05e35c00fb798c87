// Package runner drives the detector over a batch stream and reports the
// focal loss of each step.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"time"

	"retina-forge/internal/dataset"
	"retina-forge/internal/device"
	"retina-forge/internal/loss"
	"retina-forge/internal/metrics"
	"retina-forge/internal/model"
	"retina-forge/internal/runlog"
)

// ErrNonFiniteLoss is returned when a step produces NaN or Inf.
var ErrNonFiniteLoss = errors.New("runner: loss is not finite")

// RunConfig captures the knobs required by the run loop. Exactly one of
// DataRoot, Roots or Dummy selects the batch source.
type RunConfig struct {
	Model model.Options

	// FocalAlpha and FocalGamma override the criterion when non-zero.
	FocalAlpha float64
	FocalGamma float64

	DataRoot   string
	Roots      map[string][]string
	Dummy      bool
	MaxBoxes   int
	ImageSize  int
	Steps      int
	BatchSize  int
	NumWorkers int
	LogEvery   int
	Seed       int64

	// Ledger, when set, receives every step.
	Ledger *runlog.Store
}

// Summary reports how a run ended.
type Summary struct {
	RunID string
	Steps int
	Final loss.Result
}

// Run executes the loss-evaluation workload.
func Run(ctx context.Context, cfg RunConfig) (Summary, error) {
	if cfg.Steps <= 0 {
		return Summary{}, errors.New("runner: steps must be > 0")
	}
	if cfg.BatchSize <= 0 {
		return Summary{}, errors.New("runner: batch size must be > 0")
	}
	if cfg.ImageSize <= 0 {
		cfg.ImageSize = 512
	}
	if cfg.LogEvery <= 0 {
		cfg.LogEvery = 50
	}
	if cfg.Model.Seed == 0 {
		cfg.Model.Seed = cfg.Seed
	}

	mdl, err := model.New(cfg.Model)
	if err != nil {
		return Summary{}, err
	}
	criterion := loss.NewRetinaLoss(mdl.NumClasses())
	if cfg.FocalAlpha > 0 {
		criterion.Alpha = cfg.FocalAlpha
	}
	if cfg.FocalGamma > 0 {
		criterion.Gamma = cfg.FocalGamma
	}

	src, name, err := openSource(ctx, cfg, mdl.NumClasses())
	if err != nil {
		return Summary{}, err
	}
	defer src.close()

	dev := device.Default()
	log.Printf("run start source=%s backbone=%s params=%d batch=%d image=%d device=%s",
		name, mdl.Options().Backbone, mdl.NumParams(), cfg.BatchSize, cfg.ImageSize, dev)

	var summary Summary
	if cfg.Ledger != nil {
		summary.RunID, err = cfg.Ledger.StartRun(runlog.RunMeta{
			Backbone:   string(mdl.Options().Backbone),
			Source:     name,
			BatchSize:  cfg.BatchSize,
			ImageSize:  cfg.ImageSize,
			NumClasses: mdl.NumClasses(),
			Seed:       cfg.Seed,
			Device:     dev.String(),
		})
		if err != nil {
			return Summary{}, err
		}
	}

	err = loop(ctx, cfg, mdl, criterion, src, &summary)
	if cfg.Ledger != nil {
		if ferr := cfg.Ledger.FinishRun(summary.RunID, err); ferr != nil && err == nil {
			err = ferr
		}
	}
	if err != nil {
		return summary, err
	}
	log.Printf("FINAL LOSS: %v", summary.Final.Total)
	return summary, nil
}

func loop(ctx context.Context, cfg RunConfig, mdl *model.RetinaNet, criterion *loss.RetinaLoss, src source, summary *Summary) error {
	var window metrics.Window
	for step := 1; step <= cfg.Steps; step++ {
		startData := time.Now()
		batch, err := src.next(ctx)
		if err != nil {
			return err
		}
		dataTime := time.Since(startData)

		startCompute := time.Now()
		res, err := Evaluate(mdl, criterion, batch)
		if err != nil {
			return fmt.Errorf("step %d: %w", step, err)
		}
		computeTime := time.Since(startCompute)

		window.Record(batch.Len(), dataTime, computeTime, res)
		summary.Steps = step
		summary.Final = res

		if cfg.Ledger != nil {
			if err := cfg.Ledger.RecordStep(summary.RunID, step, res); err != nil {
				return err
			}
		}

		if step%cfg.LogEvery == 0 || step == cfg.Steps {
			snap := window.Snapshot()
			log.Printf("step=%d images_per_sec=%.1f data_ms=%.2f compute_ms=%.2f loss=%.4f cls=%.4f box=%.4f fg=%.1f",
				step,
				snap.ImagesPerSec,
				snap.AvgDataMS,
				snap.AvgComputeMS,
				snap.LastLoss,
				snap.LastCls,
				snap.LastBox,
				snap.AvgForeground,
			)
		}
	}
	return nil
}

// Evaluate runs one forward pass and scores it against the batch targets.
func Evaluate(det model.Detector, criterion *loss.RetinaLoss, batch dataset.Batch) (loss.Result, error) {
	out, err := det.Forward(batch.Images)
	if err != nil {
		return loss.Result{}, err
	}
	res, err := criterion.Loss(out, batch.Boxes, batch.Labels)
	if err != nil {
		return loss.Result{}, err
	}
	if !res.Finite() {
		return res, fmt.Errorf("%w: total=%v cls=%v box=%v", ErrNonFiniteLoss, res.Total, res.Cls, res.Box)
	}
	return res, nil
}

func openSource(ctx context.Context, cfg RunConfig, numClasses int) (source, string, error) {
	switch {
	case cfg.Dummy:
		maxBoxes := cfg.MaxBoxes
		if maxBoxes <= 0 {
			maxBoxes = 7
		}
		return &dummySource{
			rng:        rand.New(rand.NewSource(cfg.Seed)),
			batchSize:  cfg.BatchSize,
			imageSize:  cfg.ImageSize,
			numClasses: numClasses,
			maxBoxes:   maxBoxes,
		}, "dummy", nil
	case cfg.DataRoot != "":
		dls, err := dataset.LoadSampleCOCO(cfg.DataRoot, dataset.LoaderOptions{
			BatchSize:  cfg.BatchSize,
			Seed:       cfg.Seed,
			ImageSize:  cfg.ImageSize,
			NumWorkers: cfg.NumWorkers,
		})
		if err != nil {
			return nil, "", err
		}
		if len(dls.Classes) > numClasses {
			return nil, "", fmt.Errorf("runner: dataset has %d classes, model %d", len(dls.Classes), numClasses)
		}
		log.Printf("coco sample root=%s train=%d valid=%d classes=%v",
			cfg.DataRoot, len(dls.Train.Records()), len(dls.Valid.Records()), dls.Classes)
		return &cocoSource{loader: dls.Train}, "coco_sample", nil
	case len(cfg.Roots) > 0:
		src, err := newShardSource(ctx, cfg.Roots, cfg.Seed, cfg.NumWorkers, cfg.BatchSize, cfg.ImageSize)
		if err != nil {
			return nil, "", err
		}
		return src, "shards", nil
	default:
		return nil, "", errors.New("runner: no batch source configured")
	}
}
