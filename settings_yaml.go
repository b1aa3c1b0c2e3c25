package meshstream

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

const (
	// settings file version expected by the engine.
	settingsFileVersion = "1.0"
	yamlFilePrefixBytes = "%YAML:1.0\n"
	// snapshotExt is the extension of saved voxel grid snapshots.
	snapshotExt = ".npz"
	// timestamp format used in generated file names.
	settingsTimeFormat = "2006-01-02T15_04_05.0000"
)

// EngineSettings is used to construct the engine configuration yaml file.
type EngineSettings struct {
	FileVersion     string  `yaml:"File.version"`
	CamType         string  `yaml:"Camera.type"`
	Width           int     `yaml:"Camera.width"`
	Height          int     `yaml:"Camera.height"`
	Fx              float64 `yaml:"Camera.fx"`
	Fy              float64 `yaml:"Camera.fy"`
	Ppx             float64 `yaml:"Camera.cx"`
	Ppy             float64 `yaml:"Camera.cy"`
	DepthScale      float64 `yaml:"Depth.scale"`
	DepthMin        float64 `yaml:"Depth.min"`
	DepthMax        float64 `yaml:"Depth.max"`
	OdometryDistThr float64 `yaml:"Odometry.distanceThreshold"`
	VoxelSize       float64 `yaml:"VoxelGrid.voxelSize"`
	TruncMultiplier float64 `yaml:"VoxelGrid.truncVoxelMultiplier"`
	BlockCount      int     `yaml:"VoxelGrid.blockCount"`
	EstPointCount   int     `yaml:"Surface.estPointCount"`
	RaycastColor    bool    `yaml:"Surface.raycastColor"`
	LoadSnapshotLoc string  `yaml:"System.LoadSnapshotFromFile"`
}

// engineSettings builds the settings struct from the validated config and
// the current tuning snapshot.
func (svc *Service) engineSettings() *EngineSettings {
	intrinsics := svc.cfg.Intrinsics
	tuning := svc.tuning.Load()
	return &EngineSettings{
		FileVersion:     settingsFileVersion,
		CamType:         "PinHole",
		Width:           intrinsics.Width,
		Height:          intrinsics.Height,
		Fx:              intrinsics.Fx,
		Fy:              intrinsics.Fy,
		Ppx:             intrinsics.Ppx,
		Ppy:             intrinsics.Ppy,
		DepthScale:      svc.cfg.DepthScale,
		DepthMin:        svc.cfg.DepthMin,
		DepthMax:        tuning.DepthMax,
		OdometryDistThr: tuning.DepthDiff,
		VoxelSize:       svc.cfg.VoxelSize,
		TruncMultiplier: svc.cfg.TruncMultiplier,
		BlockCount:      svc.cfg.BlockCount,
		EstPointCount:   svc.cfg.EstPointCount,
		RaycastColor:    tuning.RaycastColor,
	}
}

// generateEngineYAML writes a .yaml settings file for the engine into the
// data directory's config subdirectory. If a previous model snapshot is
// found, its location and timestamp are reused so the engine resumes from
// it.
func (svc *Service) generateEngineYAML() error {
	settings := svc.engineSettings()

	loadSnapshotTimestamp, loadSnapshotName, err := svc.checkSnapshots()
	if err != nil {
		svc.logger.Debugf("error occurred while parsing %v for snapshots, building model from scratch", svc.cfg.DataDirectory)
	}
	if loadSnapshotTimestamp == "" {
		loadSnapshotTimestamp = time.Now().UTC().Format(settingsTimeFormat)
	} else {
		settings.LoadSnapshotLoc = "\"" + loadSnapshotName + "\""
	}

	yamlFileName := filepath.Join(svc.cfg.DataDirectory, "config",
		"engine_data_"+loadSnapshotTimestamp+".yaml")

	yamlData, err := yaml.Marshal(settings)
	if err != nil {
		return errors.Wrap(err, "error while marshaling yaml file")
	}

	//nolint:gosec
	outfile, err := os.Create(yamlFileName)
	if err != nil {
		return err
	}
	if _, err = outfile.WriteString(yamlFilePrefixBytes); err != nil {
		return err
	}
	if _, err = outfile.Write(yamlData); err != nil {
		return err
	}
	return outfile.Close()
}

// checkSnapshots checks the map folder within the data directory for an
// existing model snapshot, grabbing the most recently generated one if
// several exist.
func (svc *Service) checkSnapshots() (string, string, error) {
	root := filepath.Join(svc.cfg.DataDirectory, "map")
	snapshotTimestamp := time.Time{}
	var snapshotPath string

	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() || filepath.Ext(path) != snapshotExt {
			return nil
		}
		// only snapshots following our timestamped naming are considered
		timestampLoc := strings.Index(entry.Name(), "_data_") + len("_data_")
		if timestampLoc == -1+len("_data_") {
			return nil
		}
		timestamp, err := time.Parse(settingsTimeFormat,
			entry.Name()[timestampLoc:strings.Index(entry.Name(), snapshotExt)])
		if err != nil {
			svc.logger.Debugf("unable to parse snapshot %v, %v", path, err)
			return nil
		}
		if timestamp.After(snapshotTimestamp) {
			snapshotTimestamp = timestamp
			snapshotPath = path[0:strings.Index(path, snapshotExt)]
		}
		return nil
	})
	if err != nil {
		return "", "", err
	}
	if snapshotTimestamp.IsZero() {
		svc.logger.Debugf("no snapshots found in directory %v", root)
		return "", "", nil
	}
	svc.logger.Infof("previous model snapshot found, using %v", snapshotPath)
	return snapshotTimestamp.UTC().Format(settingsTimeFormat), snapshotPath, nil
}
