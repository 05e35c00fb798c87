package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"retina-forge/internal/config"
	"retina-forge/internal/dataset"
	"retina-forge/internal/device"
	"retina-forge/internal/model"
	"retina-forge/internal/runlog"
	"retina-forge/internal/runner"
	"retina-forge/internal/server"
)

func main() {
	cfgPath := flag.String("config", "configs/sample.yaml", "Path to YAML config; empty uses built-in defaults")
	mode := flag.String("mode", "run", "One of check, run or serve")
	dataRoot := flag.String("data-root", "", "Override the COCO sample root")
	dummy := flag.Bool("dummy", false, "Use random images and boxes")
	imageSize := flag.Int("image-size", 0, "Square input size")
	steps := flag.Int("steps", 0, "Number of loss steps")
	batchSize := flag.Int("batch-size", 0, "Batch size")
	numWorkers := flag.Int("num-workers", 0, "Number of image decode workers")
	seed := flag.Int64("seed", 0, "PRNG seed")
	logEvery := flag.Int("log-every", 0, "Log every N steps")
	deviceName := flag.String("device", "", "cpu, accelerator or auto")
	backbone := flag.String("backbone", "", "resnet18, resnet34, resnet50, resnet101 or resnet152")
	runsDB := flag.String("runs-db", "", "SQLite run ledger path")
	listenAddr := flag.String("listen", "", "HTTP listen address for serve mode")
	poolSize := flag.Int("pool-size", 0, "Detectors kept for serve mode")

	flag.Parse()

	cfg := config.Default()
	if *cfgPath != "" {
		var err error
		if cfg, err = config.Load(*cfgPath); err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	}

	cfg.ApplyOverrides(config.Overrides{
		DataRoot:   *dataRoot,
		ImageSize:  *imageSize,
		BatchSize:  *batchSize,
		NumWorkers: *numWorkers,
		Seed:       *seed,
		Steps:      *steps,
		LogEvery:   *logEvery,
		Dummy:      *dummy,
		Device:     *deviceName,
		Backbone:   *backbone,
		RunsDB:     *runsDB,
		ListenAddr: *listenAddr,
		PoolSize:   *poolSize,
	})
	if *dummy {
		cfg.DataRoot = ""
		cfg.ShardRoots = nil
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	// the environment wins over the config file
	if os.Getenv(device.EnvVar) == "" {
		os.Setenv(device.EnvVar, cfg.Device)
	}
	log.Printf("device=%s", device.Default())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch *mode {
	case "check":
		err = check(ctx, cfg)
	case "run":
		err = run(ctx, cfg)
	case "serve":
		err = serve(ctx, cfg)
	default:
		log.Fatalf("unknown mode %q", *mode)
	}
	if err != nil {
		log.Fatalf("%s failed: %v", *mode, err)
	}
}

func runConfig(cfg *config.Config) (runner.RunConfig, error) {
	rc := runner.RunConfig{
		Model:      cfg.ModelOptions(),
		FocalAlpha: cfg.Loss.Alpha,
		FocalGamma: cfg.Loss.Gamma,
		DataRoot:   cfg.DataRoot,
		Dummy:      cfg.Dummy,
		MaxBoxes:   cfg.MaxBoxes,
		ImageSize:  cfg.ImageSize,
		Steps:      cfg.Steps,
		BatchSize:  cfg.BatchSize,
		NumWorkers: cfg.NumWorkers,
		LogEvery:   cfg.LogEvery,
		Seed:       cfg.Seed,
	}
	if len(cfg.ShardRoots) > 0 {
		roots, err := dataset.DiscoverByRoot(cfg.ShardRoots)
		if err != nil {
			return rc, err
		}
		for root, shards := range roots {
			log.Printf("root=%s shards=%d", root, len(shards))
		}
		rc.Roots = roots
	}
	return rc, nil
}

func run(ctx context.Context, cfg *config.Config) error {
	if !cfg.HasSource() {
		return errors.New("one of data_root, shard_roots or dummy must be set")
	}
	rc, err := runConfig(cfg)
	if err != nil {
		return err
	}
	if cfg.RunsDB != "" {
		store, err := runlog.Open(cfg.RunsDB)
		if err != nil {
			return err
		}
		defer store.Close()
		rc.Ledger = store
	}
	summary, err := runner.Run(ctx, rc)
	if summary.RunID != "" {
		log.Printf("run_id=%s steps=%d", summary.RunID, summary.Steps)
	}
	return err
}

// check runs one dummy batch and, when a sample dataset can be found, one
// sample batch.
func check(ctx context.Context, cfg *config.Config) error {
	rc, err := runConfig(cfg)
	if err != nil {
		return err
	}
	rc.Steps = 1

	dummy := rc
	dummy.Dummy, dummy.DataRoot, dummy.Roots = true, "", nil
	if _, err := runner.Run(ctx, dummy); err != nil {
		return err
	}

	root := dataset.FindSampleRoot(cfg.DataRoot)
	if root == "" {
		log.Printf("no coco sample found; set %s to check it", dataset.SampleRootEnv)
		return nil
	}
	sample := rc
	sample.Dummy, sample.DataRoot, sample.Roots = false, root, nil
	_, err = runner.Run(ctx, sample)
	return err
}

func serve(ctx context.Context, cfg *config.Config) error {
	var classes []string
	if cfg.DataRoot != "" {
		idx, err := dataset.LoadAnnotations(filepath.Join(cfg.DataRoot, dataset.SampleAnnotations))
		if err != nil {
			return err
		}
		classes = idx.Classes
	}

	opts := cfg.ModelOptions()
	pool, err := server.NewPool(cfg.PoolSize, func(int) (model.Detector, error) {
		m, err := model.New(opts)
		if err != nil {
			return nil, err
		}
		m.SetTraining(false)
		return m, nil
	})
	if err != nil {
		return err
	}
	defer pool.Close()

	srv := &http.Server{
		Handler: server.New(pool, server.Options{
			ImageSize: cfg.ImageSize,
			Detect:    cfg.DetectOptions(),
			Classes:   classes,
		}).Router(),
		Addr:         cfg.ListenAddr,
		WriteTimeout: 60 * time.Second,
		ReadTimeout:  60 * time.Second,
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return err
	}
	log.Printf("Starting server on %s pool_size=%d", ln.Addr(), cfg.PoolSize)
	return server.Serve(ctx, srv, ln)
}
