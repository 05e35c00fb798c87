package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"retina-forge/internal/device"
	"retina-forge/internal/model"
)

// Config captures the runtime knobs for a detector run.
type Config struct {
	DataRoot    string   `yaml:"data_root"`
	ShardRoots  []string `yaml:"shard_roots"`
	ImageSize   int      `yaml:"image_size"`
	BatchSize   int      `yaml:"batch_size"`
	NumClasses  int      `yaml:"num_classes"`
	NumWorkers  int      `yaml:"num_workers"`
	Seed        int64    `yaml:"seed"`
	Steps       int      `yaml:"steps"`
	LogEvery    int      `yaml:"log_every"`
	Dummy       bool     `yaml:"dummy"`
	MaxBoxes    int      `yaml:"max_boxes"`
	Device      string   `yaml:"device"`
	RunsDB      string   `yaml:"runs_db"`
	ListenAddr  string   `yaml:"listen_addr"`
	PoolSize    int      `yaml:"pool_size"`
	Model       Model    `yaml:"model"`
	Loss        Loss     `yaml:"loss"`
	Postprocess Detect   `yaml:"postprocess"`
}

// Model selects the detector architecture.
type Model struct {
	Backbone     string `yaml:"backbone"`
	FPNChannels  int    `yaml:"fpn_channels"`
	WidthDivisor int    `yaml:"width_divisor"`
	NumConvs     int    `yaml:"num_convs"`
}

// Loss overrides the focal-loss settings; zero keeps the default.
type Loss struct {
	Alpha float64 `yaml:"focal_alpha"`
	Gamma float64 `yaml:"focal_gamma"`
}

// Detect configures post-processing for the HTTP API.
type Detect struct {
	ScoreThreshold float32 `yaml:"score_threshold"`
	NMSThreshold   float32 `yaml:"nms_threshold"`
	MaxDetections  int     `yaml:"max_detections"`
}

// Overrides captures CLI supplied values.
type Overrides struct {
	DataRoot   string
	ImageSize  int
	BatchSize  int
	NumWorkers int
	Seed       int64
	Steps      int
	LogEvery   int
	Dummy      bool
	Device     string
	Backbone   string
	RunsDB     string
	ListenAddr string
	PoolSize   int
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		ImageSize:  512,
		BatchSize:  2,
		NumClasses: 6,
		NumWorkers: 1,
		Seed:       32,
		Steps:      1,
		LogEvery:   50,
		MaxBoxes:   7,
		Device:     string(device.Auto),
		ListenAddr: ":8080",
		PoolSize:   2,
		Model:      Model{Backbone: string(model.ResNet50)},
	}
}

// Load reads a YAML file over the defaults and validates the result.
// Unknown keys are rejected.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	cfg := Default()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyOverrides updates cfg using any non-zero override.
func (c *Config) ApplyOverrides(o Overrides) {
	if o.DataRoot != "" {
		c.DataRoot = o.DataRoot
	}
	if o.ImageSize > 0 {
		c.ImageSize = o.ImageSize
	}
	if o.BatchSize > 0 {
		c.BatchSize = o.BatchSize
	}
	if o.NumWorkers > 0 {
		c.NumWorkers = o.NumWorkers
	}
	if o.Seed != 0 {
		c.Seed = o.Seed
	}
	if o.Steps > 0 {
		c.Steps = o.Steps
	}
	if o.LogEvery > 0 {
		c.LogEvery = o.LogEvery
	}
	if o.Dummy {
		c.Dummy = true
	}
	if o.Device != "" {
		c.Device = o.Device
	}
	if o.Backbone != "" {
		c.Model.Backbone = o.Backbone
	}
	if o.RunsDB != "" {
		c.RunsDB = o.RunsDB
	}
	if o.ListenAddr != "" {
		c.ListenAddr = o.ListenAddr
	}
	if o.PoolSize > 0 {
		c.PoolSize = o.PoolSize
	}
}

// Validate verifies the config is runnable and fills soft defaults.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if c.DataRoot != "" && len(c.ShardRoots) > 0 {
		return errors.New("data_root and shard_roots are mutually exclusive")
	}
	if c.ImageSize <= 0 {
		return fmt.Errorf("image_size must be > 0 (got %d)", c.ImageSize)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be > 0 (got %d)", c.BatchSize)
	}
	if c.NumClasses <= 0 {
		return fmt.Errorf("num_classes must be > 0 (got %d)", c.NumClasses)
	}
	if c.Steps <= 0 {
		return fmt.Errorf("steps must be > 0 (got %d)", c.Steps)
	}
	if c.MaxBoxes < 0 {
		return fmt.Errorf("max_boxes must be >= 0 (got %d)", c.MaxBoxes)
	}
	if _, err := device.Parse(c.Device); err != nil {
		return err
	}
	if _, err := model.ParseBackbone(c.Model.Backbone); err != nil {
		return err
	}
	if c.Loss.Alpha < 0 || c.Loss.Alpha > 1 {
		return fmt.Errorf("focal_alpha must be in [0,1] (got %v)", c.Loss.Alpha)
	}
	if c.Loss.Gamma < 0 {
		return fmt.Errorf("focal_gamma must be >= 0 (got %v)", c.Loss.Gamma)
	}
	if c.NumWorkers <= 0 {
		c.NumWorkers = 1
	}
	if c.LogEvery <= 0 {
		c.LogEvery = 50
	}
	if c.PoolSize <= 0 {
		c.PoolSize = 1
	}
	return nil
}

// HasSource reports whether a batch source is configured.
func (c *Config) HasSource() bool {
	return c.Dummy || c.DataRoot != "" || len(c.ShardRoots) > 0
}

// ModelOptions maps the config onto detector options.
func (c *Config) ModelOptions() model.Options {
	return model.Options{
		NumClasses:   c.NumClasses,
		Backbone:     model.Backbone(c.Model.Backbone),
		FPNChannels:  c.Model.FPNChannels,
		WidthDivisor: c.Model.WidthDivisor,
		NumConvs:     c.Model.NumConvs,
		Seed:         c.Seed,
	}
}

// DetectOptions maps the postprocess section onto model.DetectOptions.
func (c *Config) DetectOptions() model.DetectOptions {
	return model.DetectOptions{
		ScoreThreshold: c.Postprocess.ScoreThreshold,
		NMSThreshold:   c.Postprocess.NMSThreshold,
		MaxDetections:  c.Postprocess.MaxDetections,
	}
}
