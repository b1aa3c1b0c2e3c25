package config_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/edaniels/golog"
	"go.viam.com/test"

	"github.com/densefusion/meshstream/config"
)

func validConfig() *config.Config {
	cfg := config.Default()
	cfg.DatasetRoot = "/data/scenes"
	cfg.DataDirectory = "/data/work"
	cfg.Intrinsics = config.Intrinsics{Width: 640, Height: 480, Fx: 525, Fy: 525, Ppx: 319.5, Ppy: 239.5}
	return &cfg
}

func TestLoad(t *testing.T) {
	t.Run("overrides on top of defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		test.That(t, os.WriteFile(path, []byte(`
dataset_root: /data/scenes
data_directory: /data/work
receiver_address: localhost:9000
voxel_size: 0.004
tuning:
  depth_max: 4.5
  depth_diff: 0.1
  interval: 25
  update_surface: true
  raycast_color: false
intrinsics:
  width: 1280
  height: 720
  fx: 900.5
  fy: 900.8
  ppx: 648.9
  ppy: 367.7
`), 0o600), test.ShouldBeNil)

		cfg, err := config.Load(path)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, cfg.ReceiverAddr, test.ShouldEqual, "localhost:9000")
		test.That(t, cfg.VoxelSize, test.ShouldEqual, 0.004)
		test.That(t, cfg.Tuning.Interval, test.ShouldEqual, 25)
		test.That(t, cfg.Tuning.RaycastColor, test.ShouldBeFalse)
		test.That(t, cfg.Intrinsics.Width, test.ShouldEqual, 1280)
		// untouched fields keep their defaults
		test.That(t, cfg.DepthScale, test.ShouldEqual, 1000.0)
		test.That(t, cfg.BlockCount, test.ShouldEqual, 40000)
	})

	t.Run("unknown keys are rejected", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		test.That(t, os.WriteFile(path, []byte("no_such_key: 1\n"), 0o600), test.ShouldBeNil)
		_, err := config.Load(path)
		test.That(t, err, test.ShouldNotBeNil)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
		test.That(t, err, test.ShouldNotBeNil)
	})
}

func TestValidate(t *testing.T) {
	logger := golog.NewTestLogger(t)

	t.Run("valid", func(t *testing.T) {
		test.That(t, validConfig().Validate(logger), test.ShouldBeNil)
	})

	t.Run("missing dataset root", func(t *testing.T) {
		cfg := validConfig()
		cfg.DatasetRoot = ""
		err := cfg.Validate(logger)
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, "dataset_root is required")
	})

	t.Run("missing data directory", func(t *testing.T) {
		cfg := validConfig()
		cfg.DataDirectory = ""
		test.That(t, cfg.Validate(logger), test.ShouldNotBeNil)
	})

	t.Run("bad intrinsics", func(t *testing.T) {
		cfg := validConfig()
		cfg.Intrinsics.Width = 0
		err := cfg.Validate(logger)
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, "invalid camera intrinsics")
	})

	t.Run("bad voxel size", func(t *testing.T) {
		cfg := validConfig()
		cfg.VoxelSize = -1
		test.That(t, cfg.Validate(logger), test.ShouldNotBeNil)
	})

	t.Run("bad tuning interval", func(t *testing.T) {
		cfg := validConfig()
		cfg.Tuning.Interval = 0
		err := cfg.Validate(logger)
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, "interval must be at least 1")
	})

	t.Run("zero optional values are normalized", func(t *testing.T) {
		cfg := validConfig()
		cfg.ReceiverAddr = ""
		cfg.SendMaxAttempts = 0
		cfg.DatasetRetrySec = 0
		test.That(t, cfg.Validate(logger), test.ShouldBeNil)
		test.That(t, cfg.ReceiverAddr, test.ShouldEqual, "localhost:65432")
		test.That(t, cfg.SendMaxAttempts, test.ShouldEqual, 1)
		test.That(t, cfg.DatasetRetrySec, test.ShouldEqual, 5)
	})
}

func TestSetupDirectories(t *testing.T) {
	logger := golog.NewTestLogger(t)
	dataDir := filepath.Join(t.TempDir(), "work")

	test.That(t, config.SetupDirectories(dataDir, logger), test.ShouldBeNil)
	for _, sub := range []string{"config", "map"} {
		info, err := os.Stat(filepath.Join(dataDir, sub))
		test.That(t, err, test.ShouldBeNil)
		test.That(t, info.IsDir(), test.ShouldBeTrue)
	}

	// idempotent on an existing layout
	test.That(t, config.SetupDirectories(dataDir, logger), test.ShouldBeNil)
}

func TestTuningCell(t *testing.T) {
	cell := config.NewTuningCell(config.Default().Tuning)

	t.Run("load returns the stored snapshot", func(t *testing.T) {
		tuning := cell.Load()
		tuning.Interval = 10
		test.That(t, cell.Store(tuning), test.ShouldBeNil)
		test.That(t, cell.Load().Interval, test.ShouldEqual, 10)
	})

	t.Run("rejects invalid snapshots", func(t *testing.T) {
		tuning := cell.Load()
		tuning.DepthMax = -1
		test.That(t, cell.Store(tuning), test.ShouldNotBeNil)
		test.That(t, cell.Load().DepthMax, test.ShouldBeGreaterThan, 0.0)
	})

	t.Run("concurrent access", func(t *testing.T) {
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				for j := 0; j < 100; j++ {
					tuning := cell.Load()
					tuning.Interval = n + 1
					_ = cell.Store(tuning)
				}
			}(i)
		}
		wg.Wait()
		test.That(t, cell.Load().Interval, test.ShouldBeGreaterThan, 0)
	})
}
