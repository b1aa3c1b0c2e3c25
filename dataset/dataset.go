// Package dataset reads RGB-D frame sequences from disk. A scene is a
// directory with color/ and depth/ subdirectories holding one image per
// frame; pairing is by sorted filename order, the convention RGB-D
// recorders use.
package dataset

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
)

const (
	colorSubdir = "color"
	depthSubdir = "depth"
)

var imageExtensions = []string{".png", ".jpg", ".jpeg"}

// FramePair is one RGB-D observation: a color image and the depth image
// captured with it.
type FramePair struct {
	Index int
	Color string
	Depth string
}

// ScenePath returns the directory of the n-th scene under root. Scenes
// are numbered from 1.
func ScenePath(root string, n int) string {
	return filepath.Join(root, fmt.Sprintf("scene_%d", n))
}

// Exists reports whether dir is an existing directory.
func Exists(dir string) bool {
	info, err := os.Stat(dir)
	return err == nil && info.IsDir()
}

// LoadFramePairs lists the color and depth images of a scene and pairs
// them up. The two sequences must have the same length.
func LoadFramePairs(dir string) ([]FramePair, error) {
	colorFiles, err := listImages(filepath.Join(dir, colorSubdir))
	if err != nil {
		return nil, err
	}
	depthFiles, err := listImages(filepath.Join(dir, depthSubdir))
	if err != nil {
		return nil, err
	}
	if len(colorFiles) != len(depthFiles) {
		return nil, errors.Errorf("scene %v has %d color images but %d depth images",
			dir, len(colorFiles), len(depthFiles))
	}
	if len(colorFiles) == 0 {
		return nil, errors.Errorf("scene %v contains no frames", dir)
	}

	pairs := make([]FramePair, len(colorFiles))
	for i := range colorFiles {
		pairs[i] = FramePair{Index: i, Color: colorFiles[i], Depth: depthFiles[i]}
	}
	return pairs, nil
}

func listImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "error listing images in %v", dir)
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if slices.Contains(imageExtensions, ext) {
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}
	slices.Sort(files)
	return files, nil
}
