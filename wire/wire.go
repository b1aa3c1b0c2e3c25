// Package wire implements the binary framing used to stream compacted
// meshes to a receiver over a byte-oriented transport.
//
// A frame is laid out as follows, little endian, all lengths 4-byte
// signed integers counting bytes:
//
//	int32 total   frame length including this field (16 + Lv + Lt + Lc)
//	int32 Lv      followed by Lv bytes of float32 vertex positions (xyz)
//	int32 Lt      followed by Lt bytes of int32 triangle indices (abc)
//	int32 Lc      followed by Lc bytes of float32 vertex colors (rgb)
//
// Frames are self-delimiting: a receiver reads the first field, then
// exactly total-4 remaining bytes.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/pkg/errors"

	"github.com/densefusion/meshstream/mesh"
)

const (
	// HeaderSize is the number of framing bytes in every frame: the total
	// length field plus the three section length fields.
	HeaderSize = 16

	elemSize = 3 * 4 // three 4-byte components per vertex, triangle or color
)

// SizeError reports a mesh section too large for the 32-bit signed length
// fields of the wire format.
type SizeError struct {
	Section string
	Bytes   int
}

func (e *SizeError) Error() string {
	return fmt.Sprintf("%s section is %d bytes, exceeding the wire format limit of %d",
		e.Section, e.Bytes, math.MaxInt32)
}

// Encode serializes a compacted mesh into a single wire frame. The same
// mesh always encodes to the same bytes.
func Encode(m mesh.Mesh) ([]byte, error) {
	if len(m.Vertices) > math.MaxInt32/elemSize {
		return nil, &SizeError{Section: "vertex", Bytes: len(m.Vertices) * elemSize}
	}
	if len(m.Triangles) > math.MaxInt32/elemSize {
		return nil, &SizeError{Section: "triangle", Bytes: len(m.Triangles) * elemSize}
	}
	if len(m.Colors) > math.MaxInt32/elemSize {
		return nil, &SizeError{Section: "color", Bytes: len(m.Colors) * elemSize}
	}
	lv := len(m.Vertices) * elemSize
	lt := len(m.Triangles) * elemSize
	lc := len(m.Colors) * elemSize
	total := HeaderSize + lv + lt + lc
	if total > math.MaxInt32 {
		return nil, &SizeError{Section: "frame", Bytes: total}
	}

	buf := make([]byte, total)
	binary.LittleEndian.PutUint32(buf, uint32(total))
	off := 4
	off = putFloatSection(buf, off, m.Vertices)
	off = putIndexSection(buf, off, m.Triangles)
	putFloatSection(buf, off, m.Colors)
	return buf, nil
}

func putFloatSection(buf []byte, off int, vals [][3]float32) int {
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(vals)*elemSize))
	off += 4
	for _, v := range vals {
		for c := 0; c < 3; c++ {
			binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(v[c]))
			off += 4
		}
	}
	return off
}

func putIndexSection(buf []byte, off int, vals [][3]int32) int {
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(vals)*elemSize))
	off += 4
	for _, v := range vals {
		for c := 0; c < 3; c++ {
			binary.LittleEndian.PutUint32(buf[off:], uint32(v[c]))
			off += 4
		}
	}
	return off
}

// Decode parses one complete wire frame back into a mesh. It validates the
// embedded lengths but not mesh-level invariants; use mesh.Validate for
// those.
func Decode(frame []byte) (mesh.Mesh, error) {
	if len(frame) < HeaderSize {
		return mesh.Mesh{}, errors.Errorf("frame of %d bytes is shorter than the %d byte minimum",
			len(frame), HeaderSize)
	}
	total := int(int32(binary.LittleEndian.Uint32(frame)))
	if total != len(frame) {
		return mesh.Mesh{}, errors.Errorf("frame header declares %d bytes but %d were provided",
			total, len(frame))
	}

	var m mesh.Mesh
	off := 4
	var err error
	if m.Vertices, off, err = floatSection(frame, off, "vertex"); err != nil {
		return mesh.Mesh{}, err
	}
	if m.Triangles, off, err = indexSection(frame, off, "triangle"); err != nil {
		return mesh.Mesh{}, err
	}
	if m.Colors, off, err = floatSection(frame, off, "color"); err != nil {
		return mesh.Mesh{}, err
	}
	if off != len(frame) {
		return mesh.Mesh{}, errors.Errorf("frame has %d trailing bytes", len(frame)-off)
	}
	return m, nil
}

func sectionLength(frame []byte, off int, name string) (int, int, error) {
	if off+4 > len(frame) {
		return 0, 0, errors.Errorf("frame truncated before %s section length", name)
	}
	n := int(int32(binary.LittleEndian.Uint32(frame[off:])))
	off += 4
	if n < 0 || n%elemSize != 0 {
		return 0, 0, errors.Errorf("invalid %s section length %d", name, n)
	}
	if off+n > len(frame) {
		return 0, 0, errors.Errorf("%s section of %d bytes overruns frame", name, n)
	}
	return n, off, nil
}

func floatSection(frame []byte, off int, name string) ([][3]float32, int, error) {
	n, off, err := sectionLength(frame, off, name)
	if err != nil {
		return nil, 0, err
	}
	vals := make([][3]float32, n/elemSize)
	for i := range vals {
		for c := 0; c < 3; c++ {
			vals[i][c] = math.Float32frombits(binary.LittleEndian.Uint32(frame[off:]))
			off += 4
		}
	}
	return vals, off, nil
}

func indexSection(frame []byte, off int, name string) ([][3]int32, int, error) {
	n, off, err := sectionLength(frame, off, name)
	if err != nil {
		return nil, 0, err
	}
	vals := make([][3]int32, n/elemSize)
	for i := range vals {
		for c := 0; c < 3; c++ {
			vals[i][c] = int32(binary.LittleEndian.Uint32(frame[off:]))
			off += 4
		}
	}
	return vals, off, nil
}

// ReadFrame reads exactly one frame from r, blocking until it is complete,
// and decodes it. Frames are written back to back with no delimiter, so
// the next call picks up at the next frame boundary.
func ReadFrame(r io.Reader) (mesh.Mesh, error) {
	var head [4]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return mesh.Mesh{}, err
	}
	total := int(int32(binary.LittleEndian.Uint32(head[:])))
	if total < HeaderSize {
		return mesh.Mesh{}, errors.Errorf("frame header declares %d bytes, below the %d byte minimum",
			total, HeaderSize)
	}
	frame := make([]byte, total)
	copy(frame, head[:])
	if _, err := io.ReadFull(r, frame[4:]); err != nil {
		return mesh.Mesh{}, errors.Wrap(err, "reading frame body")
	}
	return Decode(frame)
}
