package mesh

import (
	"bufio"
	"fmt"
	"io"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"
)

// WritePLY writes the mesh as an ascii PLY file with per-vertex colors.
// Colors are scaled from [0, 1] floats to 8-bit channels, the convention
// most mesh viewers expect.
func (m Mesh) WritePLY(w io.Writer) error {
	if err := m.Validate(); err != nil {
		return errors.Wrap(err, "cannot write mesh")
	}

	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "ply\nformat ascii 1.0\n")
	fmt.Fprintf(bw, "element vertex %d\n", len(m.Vertices))
	fmt.Fprintf(bw, "property float x\nproperty float y\nproperty float z\n")
	fmt.Fprintf(bw, "property uchar red\nproperty uchar green\nproperty uchar blue\n")
	fmt.Fprintf(bw, "element face %d\n", len(m.Triangles))
	fmt.Fprintf(bw, "property list uchar int vertex_indices\n")
	fmt.Fprintf(bw, "end_header\n")

	for i, v := range m.Vertices {
		c := m.Colors[i]
		fmt.Fprintf(bw, "%g %g %g %d %d %d\n",
			v[0], v[1], v[2], colorChannel(c[0]), colorChannel(c[1]), colorChannel(c[2]))
	}
	for _, tri := range m.Triangles {
		fmt.Fprintf(bw, "3 %d %d %d\n", tri[0], tri[1], tri[2])
	}
	return bw.Flush()
}

func colorChannel(f float32) uint8 {
	scaled := math32.Round(f * 255)
	if scaled <= 0 {
		return 0
	}
	if scaled >= 255 {
		return 255
	}
	return uint8(scaled)
}
