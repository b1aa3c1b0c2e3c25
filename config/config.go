// Package config holds the service configuration. Startup parameters are
// loaded once from a yaml file and treated as immutable; the handful of
// parameters that may be adjusted while reconstruction runs live in a
// Tuning snapshot behind a thread-safe cell.
package config

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

const (
	defaultReceiverAddr    = "localhost:65432"
	defaultDepthScale      = 1000
	defaultDepthMin        = 0.1
	defaultVoxelSize       = 0.006
	defaultTruncMultiplier = 8
	defaultBlockCount      = 40000
	defaultEstPointCount   = 500000
	defaultSendMaxAttempts = 1
	defaultSendBackoffMsec = 500
	defaultDatasetRetrySec = 5
	defaultDepthMax        = 3.0
	defaultDepthDiff       = 0.07
	defaultInterval        = 50
)

// Intrinsics are the pinhole parameters of the color camera.
type Intrinsics struct {
	Width  int     `yaml:"width"`
	Height int     `yaml:"height"`
	Fx     float64 `yaml:"fx"`
	Fy     float64 `yaml:"fy"`
	Ppx    float64 `yaml:"ppx"`
	Ppy    float64 `yaml:"ppy"`
}

// CheckValid returns an error unless all intrinsic parameters are
// physically meaningful.
func (i Intrinsics) CheckValid() error {
	if i.Width <= 0 || i.Height <= 0 {
		return errors.Errorf("invalid image dimensions %dx%d", i.Width, i.Height)
	}
	if i.Fx <= 0 || i.Fy <= 0 {
		return errors.Errorf("invalid focal lengths fx=%v fy=%v", i.Fx, i.Fy)
	}
	if i.Ppx < 0 || i.Ppy < 0 {
		return errors.Errorf("invalid principal point (%v, %v)", i.Ppx, i.Ppy)
	}
	return nil
}

// Tuning holds the parameters that may change between frames while
// reconstruction runs. Instances are immutable snapshots.
type Tuning struct {
	// DepthMax is the far clipping distance in meters.
	DepthMax float64 `yaml:"depth_max"`
	// DepthDiff is the odometry distance threshold in meters.
	DepthDiff float64 `yaml:"depth_diff"`
	// Interval is the number of frames between surface extractions.
	Interval int `yaml:"interval"`
	// UpdateSurface gates the periodic extraction entirely.
	UpdateSurface bool `yaml:"update_surface"`
	// RaycastColor enables color in the synthesized model frames.
	RaycastColor bool `yaml:"raycast_color"`
}

// Config is the immutable startup configuration of the service.
type Config struct {
	DatasetRoot        string  `yaml:"dataset_root"`
	DataDirectory      string  `yaml:"data_directory"`
	ReceiverAddr       string  `yaml:"receiver_address"`
	ReceiverExecutable string  `yaml:"receiver_executable"`
	DepthScale         float64 `yaml:"depth_scale"`
	DepthMin           float64 `yaml:"depth_min"`
	VoxelSize          float64 `yaml:"voxel_size"`
	TruncMultiplier    float64 `yaml:"trunc_voxel_multiplier"`
	BlockCount         int     `yaml:"block_count"`
	EstPointCount      int     `yaml:"est_point_count"`
	SendMaxAttempts    int     `yaml:"send_max_attempts"`
	SendBackoffMsec    int     `yaml:"send_backoff_msec"`
	SendRedial         bool    `yaml:"send_redial"`
	DatasetRetrySec    int     `yaml:"dataset_retry_sec"`

	Intrinsics Intrinsics `yaml:"intrinsics"`
	Tuning     Tuning     `yaml:"tuning"`
}

// Default returns a config with every optional parameter at its default.
// DatasetRoot, DataDirectory, and Intrinsics have no defaults and must be
// provided.
func Default() Config {
	return Config{
		ReceiverAddr:    defaultReceiverAddr,
		DepthScale:      defaultDepthScale,
		DepthMin:        defaultDepthMin,
		VoxelSize:       defaultVoxelSize,
		TruncMultiplier: defaultTruncMultiplier,
		BlockCount:      defaultBlockCount,
		EstPointCount:   defaultEstPointCount,
		SendMaxAttempts: defaultSendMaxAttempts,
		SendBackoffMsec: defaultSendBackoffMsec,
		DatasetRetrySec: defaultDatasetRetrySec,
		Tuning: Tuning{
			DepthMax:      defaultDepthMax,
			DepthDiff:     defaultDepthDiff,
			Interval:      defaultInterval,
			UpdateSurface: true,
			RaycastColor:  true,
		},
	}
}

// Load reads a yaml config file on top of the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, errors.Wrapf(err, "error reading config file %v", path)
	}
	cfg := Default()
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return nil, errors.Wrapf(err, "error parsing config file %v", path)
	}
	return &cfg, nil
}

// Validate checks that required fields are set and all values are in
// range, normalizing zero-valued optional parameters back to defaults.
func (c *Config) Validate(logger golog.Logger) error {
	if c.DatasetRoot == "" {
		return errors.New("dataset_root is required")
	}
	if c.DataDirectory == "" {
		return errors.New("data_directory is required")
	}
	if err := c.Intrinsics.CheckValid(); err != nil {
		return errors.Wrap(err, "invalid camera intrinsics")
	}
	if c.ReceiverAddr == "" {
		logger.Debugf("receiver_address not set, using default %v", defaultReceiverAddr)
		c.ReceiverAddr = defaultReceiverAddr
	}
	if c.DepthScale <= 0 || c.VoxelSize <= 0 || c.TruncMultiplier <= 0 {
		return errors.Errorf("depth_scale, voxel_size, and trunc_voxel_multiplier must be positive, got %v, %v, %v",
			c.DepthScale, c.VoxelSize, c.TruncMultiplier)
	}
	if c.BlockCount <= 0 || c.EstPointCount <= 0 {
		return errors.Errorf("block_count and est_point_count must be positive, got %d, %d",
			c.BlockCount, c.EstPointCount)
	}
	if c.SendMaxAttempts < 1 {
		logger.Debugf("send_max_attempts not set, using default %d", defaultSendMaxAttempts)
		c.SendMaxAttempts = defaultSendMaxAttempts
	}
	if c.DatasetRetrySec < 1 {
		logger.Debugf("dataset_retry_sec not set, using default %d", defaultDatasetRetrySec)
		c.DatasetRetrySec = defaultDatasetRetrySec
	}
	return c.Tuning.check()
}

func (t Tuning) check() error {
	if t.Interval < 1 {
		return errors.Errorf("tuning interval must be at least 1, got %d", t.Interval)
	}
	if t.DepthMax <= 0 || t.DepthDiff <= 0 {
		return errors.Errorf("depth_max and depth_diff must be positive, got %v, %v",
			t.DepthMax, t.DepthDiff)
	}
	return nil
}

// SetupDirectories creates the data directory layout the service expects:
// config/ for generated engine settings and map/ for model snapshots.
func SetupDirectories(dataDirectory string, logger golog.Logger) error {
	for _, dir := range []string{dataDirectory, filepath.Join(dataDirectory, "config"), filepath.Join(dataDirectory, "map")} {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			logger.Warnf("%v directory does not exist, creating", dir)
			if err := os.Mkdir(dir, os.ModePerm); err != nil {
				return errors.Wrapf(err, "issue creating directory at %v", dir)
			}
		}
	}
	return nil
}

// TuningCell is a thread-safe holder of the current Tuning snapshot. The
// driver loads one snapshot per frame; controllers store whole snapshots
// rather than mutating fields across goroutines.
type TuningCell struct {
	mu     sync.RWMutex
	tuning Tuning
}

// NewTuningCell returns a cell holding the given snapshot.
func NewTuningCell(t Tuning) *TuningCell {
	return &TuningCell{tuning: t}
}

// Load returns the current snapshot.
func (c *TuningCell) Load() Tuning {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tuning
}

// Store replaces the snapshot after validating it.
func (c *TuningCell) Store(t Tuning) error {
	if err := t.check(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tuning = t
	return nil
}
