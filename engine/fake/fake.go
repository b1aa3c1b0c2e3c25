// Package fake provides a deterministic in-memory reconstruction engine
// for demos and tests. It grows a colored triangle strip along the x axis,
// one quad per integrated frame, instead of doing any real fusion.
package fake

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/densefusion/meshstream/engine"
	"github.com/densefusion/meshstream/mesh"
)

// Engine implements engine.Engine. The zero value is not usable; call
// NewEngine.
type Engine struct {
	mu          sync.Mutex
	integrated  int
	failFrames  map[int]bool
	padVertices int
	closed      bool
}

// NewEngine returns an engine with an empty model.
func NewEngine() *Engine {
	return &Engine{failFrames: map[int]bool{}}
}

// FailTrackingAt makes Track return a TrackingError for the given frame
// index.
func (e *Engine) FailTrackingAt(idx int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failFrames[idx] = true
}

// SetPadVertices appends n vertices unreferenced by any triangle to every
// extracted mesh, the way real volumetric extraction over-allocates its
// vertex buffer.
func (e *Engine) SetPadVertices(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.padVertices = n
}

// Track reports a fixed small translation along x per frame.
func (e *Engine) Track(ctx context.Context, frame engine.Frame) (engine.Pose, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return engine.Pose{}, errors.New("engine closed")
	}
	if e.failFrames[frame.Index] {
		return engine.Pose{}, &engine.TrackingError{
			FrameIndex: frame.Index,
			Cause:      errors.New("synthetic tracking divergence"),
		}
	}
	pose := engine.IdentityPose()
	pose[0][3] = 0.01
	return pose, nil
}

// Integrate grows the model by one quad.
func (e *Engine) Integrate(ctx context.Context, frame engine.Frame, pose engine.Pose) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errors.New("engine closed")
	}
	e.integrated++
	return nil
}

// ExtractMesh returns the current strip: integrated quads of two triangles
// each, plus any configured pad vertices.
func (e *Engine) ExtractMesh(ctx context.Context) (mesh.Mesh, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return mesh.Mesh{}, errors.New("engine closed")
	}
	return buildStrip(e.integrated, e.padVertices), nil
}

// PointCount reports the number of vertices the next extraction will have.
func (e *Engine) PointCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.integrated == 0 {
		return e.padVertices
	}
	return (e.integrated+1)*2 + e.padVertices
}

// Close releases the model; all further calls error.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

func buildStrip(quads, pad int) mesh.Mesh {
	var m mesh.Mesh
	if quads > 0 {
		for i := 0; i <= quads; i++ {
			x := float32(i)
			shade := float32(i) / float32(quads+1)
			m.Vertices = append(m.Vertices, [3]float32{x, 0, 0}, [3]float32{x, 1, 0})
			m.Colors = append(m.Colors, [3]float32{shade, 0.5, 1 - shade}, [3]float32{shade, 0.5, 1 - shade})
		}
		for i := 0; i < quads; i++ {
			a := int32(i * 2)
			m.Triangles = append(m.Triangles,
				[3]int32{a, a + 1, a + 2},
				[3]int32{a + 1, a + 3, a + 2})
		}
	}
	for i := 0; i < pad; i++ {
		m.Vertices = append(m.Vertices, [3]float32{-1, -1, float32(i)})
		m.Colors = append(m.Colors, [3]float32{1, 1, 1})
	}
	return m
}
