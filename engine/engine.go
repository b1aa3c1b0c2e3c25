// Package engine defines the boundary to the dense reconstruction engine.
// The engine is a black box that tracks camera poses frame to frame,
// integrates RGB-D observations into a volumetric model, and extracts
// colored triangle meshes from it.
package engine

import (
	"context"
	"fmt"

	"github.com/densefusion/meshstream/mesh"
)

// Frame identifies one RGB-D observation by its position in the sequence
// and the on-disk color and depth images.
type Frame struct {
	Index     int
	ColorPath string
	DepthPath string
}

// Pose is a row-major 4x4 rigid transformation.
type Pose [4][4]float64

// IdentityPose returns the identity transformation.
func IdentityPose() Pose {
	var p Pose
	for i := 0; i < 4; i++ {
		p[i][i] = 1
	}
	return p
}

// Mul returns p composed with other, p applied first.
func (p Pose) Mul(other Pose) Pose {
	var out Pose
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			for k := 0; k < 4; k++ {
				out[i][j] += p[i][k] * other[k][j]
			}
		}
	}
	return out
}

// TrackingError reports a recoverable pose estimation failure for a single
// frame. The driver logs it and moves on to the next frame without a pose
// update.
type TrackingError struct {
	FrameIndex int
	Cause      error
}

func (e *TrackingError) Error() string {
	return fmt.Sprintf("tracking failed at frame %d: %v", e.FrameIndex, e.Cause)
}

func (e *TrackingError) Unwrap() error {
	return e.Cause
}

// Engine is the reconstruction capability consumed by the driver. Track
// returns the relative transformation between the given frame and the
// model built so far; the driver composes it onto the running pose.
type Engine interface {
	Track(ctx context.Context, frame Frame) (Pose, error)
	Integrate(ctx context.Context, frame Frame, pose Pose) error
	ExtractMesh(ctx context.Context) (mesh.Mesh, error)
	PointCount() int
	Close() error
}
