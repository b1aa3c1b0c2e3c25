// Package testhelper provides shared fixtures for testing the
// reconstruction service: temporary data directory layouts, synthetic
// scene datasets, and a TCP capture server speaking the mesh wire
// protocol.
package testhelper

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"github.com/densefusion/meshstream/config"
	"github.com/densefusion/meshstream/mesh"
	"github.com/densefusion/meshstream/wire"
)

// CreateTempFolderArchitecture creates a new random temporary directory
// with the config and map subdirectories the service expects as its data
// directory.
func CreateTempFolderArchitecture(logger golog.Logger) (string, error) {
	tmpDir, err := os.MkdirTemp("", "*")
	if err != nil {
		return "", err
	}
	if err := config.SetupDirectories(tmpDir, logger); err != nil {
		return "", err
	}
	return tmpDir, nil
}

// ResetFolder removes all content in path and creates a new directory in
// its place.
func ResetFolder(path string) error {
	dirInfo, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !dirInfo.IsDir() {
		return errors.Errorf("the path passed to ResetFolder does not point to a folder: %v", path)
	}
	if err = os.RemoveAll(path); err != nil {
		return err
	}
	return os.Mkdir(path, dirInfo.Mode())
}

// CreateSceneDataset writes a scene_<num> directory under root with the
// given number of paired color and depth images. The images are stub
// files; the fake engine never opens them.
func CreateSceneDataset(root string, num, frames int) error {
	sceneDir := filepath.Join(root, fmt.Sprintf("scene_%d", num))
	for _, sub := range []string{"color", "depth"} {
		if err := os.MkdirAll(filepath.Join(sceneDir, sub), os.ModePerm); err != nil {
			return err
		}
		for i := 0; i < frames; i++ {
			name := filepath.Join(sceneDir, sub, fmt.Sprintf("%06d.png", i))
			if err := os.WriteFile(name, []byte{0}, 0o600); err != nil {
				return err
			}
		}
	}
	return nil
}

// TestConfig returns a valid config rooted at the given directories with
// fast timings for tests.
func TestConfig(datasetRoot, dataDir, receiverAddr string) *config.Config {
	cfg := config.Default()
	cfg.DatasetRoot = datasetRoot
	cfg.DataDirectory = dataDir
	cfg.ReceiverAddr = receiverAddr
	cfg.DatasetRetrySec = 1
	cfg.Intrinsics = config.Intrinsics{ // not real camera parameters, fake for tests
		Width:  640,
		Height: 480,
		Fx:     525,
		Fy:     525,
		Ppx:    319.5,
		Ppy:    239.5,
	}
	return &cfg
}

// CaptureServer accepts mesh wire connections and records every decoded
// mesh in arrival order.
type CaptureServer struct {
	listener net.Listener

	mu     sync.Mutex
	meshes []mesh.Mesh

	activeBackgroundWorkers sync.WaitGroup
}

// NewCaptureServer starts a capture server on an ephemeral local port.
func NewCaptureServer() (*CaptureServer, error) {
	listener, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		return nil, err
	}
	cs := &CaptureServer{listener: listener}
	cs.activeBackgroundWorkers.Add(1)
	goutils.PanicCapturingGo(func() {
		defer cs.activeBackgroundWorkers.Done()
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			cs.activeBackgroundWorkers.Add(1)
			goutils.PanicCapturingGo(func() {
				defer cs.activeBackgroundWorkers.Done()
				defer goutils.UncheckedErrorFunc(conn.Close)
				for {
					m, err := wire.ReadFrame(conn)
					if err != nil {
						return
					}
					cs.mu.Lock()
					cs.meshes = append(cs.meshes, m)
					cs.mu.Unlock()
				}
			})
		}
	})
	return cs, nil
}

// Addr returns the address the server listens on.
func (cs *CaptureServer) Addr() string {
	return cs.listener.Addr().String()
}

// Meshes returns a copy of the meshes received so far.
func (cs *CaptureServer) Meshes() []mesh.Mesh {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	out := make([]mesh.Mesh, len(cs.meshes))
	copy(out, cs.meshes)
	return out
}

// WaitForMeshes polls until at least n meshes have arrived or the timeout
// elapses, reporting whether the count was reached.
func (cs *CaptureServer) WaitForMeshes(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		cs.mu.Lock()
		count := len(cs.meshes)
		cs.mu.Unlock()
		if count >= n {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

// Close stops accepting and waits for all connection handlers.
func (cs *CaptureServer) Close() error {
	err := cs.listener.Close()
	cs.activeBackgroundWorkers.Wait()
	return err
}
