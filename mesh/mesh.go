// Package mesh provides the colored triangle mesh type produced by the
// reconstruction engine, along with compaction of vertices that are not
// referenced by any triangle.
package mesh

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
)

// Mesh is a colored triangle mesh. Colors are parallel to Vertices, one
// RGB triple in [0, 1] per vertex. Triangle entries index into Vertices.
type Mesh struct {
	Vertices  [][3]float32
	Triangles [][3]int32
	Colors    [][3]float32
}

// Validate checks the structural invariants of the mesh: one color per
// vertex and every triangle index within bounds.
func (m Mesh) Validate() error {
	if len(m.Colors) != len(m.Vertices) {
		return errors.Errorf("mesh has %d colors for %d vertices", len(m.Colors), len(m.Vertices))
	}
	for i, tri := range m.Triangles {
		for _, idx := range tri {
			if idx < 0 || int(idx) >= len(m.Vertices) {
				return errors.Errorf("triangle %d references vertex %d, valid range is [0, %d)",
					i, idx, len(m.Vertices))
			}
		}
	}
	return nil
}

// Compact returns a copy of the mesh containing only vertices referenced by
// at least one triangle, in ascending order of their original index, with
// triangle indices remapped accordingly. Vertices with identical positions
// are not merged. Compacting an already compact mesh returns a structurally
// identical mesh.
func (m Mesh) Compact() (Mesh, error) {
	if err := m.Validate(); err != nil {
		return Mesh{}, errors.Wrap(err, "cannot compact mesh")
	}

	referenced := make([]int32, 0, len(m.Triangles)*3)
	for _, tri := range m.Triangles {
		referenced = append(referenced, tri[0], tri[1], tri[2])
	}
	slices.Sort(referenced)
	referenced = slices.Compact(referenced)

	out := Mesh{
		Vertices:  make([][3]float32, len(referenced)),
		Triangles: make([][3]int32, len(m.Triangles)),
		Colors:    make([][3]float32, len(referenced)),
	}
	for rank, idx := range referenced {
		out.Vertices[rank] = m.Vertices[idx]
		out.Colors[rank] = m.Colors[idx]
	}
	for i, tri := range m.Triangles {
		for c, idx := range tri {
			// referenced is sorted and contains every triangle index.
			rank, _ := slices.BinarySearch(referenced, idx)
			out.Triangles[i][c] = int32(rank)
		}
	}
	return out, nil
}

// Bounds returns the axis-aligned bounding box of the vertices. A mesh with
// no vertices reports zero bounds.
func (m Mesh) Bounds() (min, max [3]float32) {
	if len(m.Vertices) == 0 {
		return min, max
	}
	for c := 0; c < 3; c++ {
		min[c] = math32.Inf(1)
		max[c] = math32.Inf(-1)
	}
	for _, v := range m.Vertices {
		for c := 0; c < 3; c++ {
			min[c] = math32.Min(min[c], v[c])
			max[c] = math32.Max(max[c], v[c])
		}
	}
	return min, max
}
