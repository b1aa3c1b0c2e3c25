package wire_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"go.viam.com/test"

	"github.com/densefusion/meshstream/mesh"
	"github.com/densefusion/meshstream/wire"
)

func testMesh() mesh.Mesh {
	return mesh.Mesh{
		Vertices: [][3]float32{
			{0, 0, 0}, {1.5, -2.25, 0.001}, {0, 1, 0}, {0, 0, 1},
		},
		Triangles: [][3]int32{{0, 1, 2}, {0, 2, 3}},
		Colors: [][3]float32{
			{1, 0, 0}, {0, 1, 0}, {0, 0, 1}, {0.25, 0.5, 0.75},
		},
	}
}

func TestEncode(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		m := testMesh()
		frame, err := wire.Encode(m)
		test.That(t, err, test.ShouldBeNil)

		decoded, err := wire.Decode(frame)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, decoded, test.ShouldResemble, m)
	})

	t.Run("header layout", func(t *testing.T) {
		m := testMesh()
		frame, err := wire.Encode(m)
		test.That(t, err, test.ShouldBeNil)

		lv := len(m.Vertices) * 12
		lt := len(m.Triangles) * 12
		lc := len(m.Colors) * 12
		total := int(int32(binary.LittleEndian.Uint32(frame)))
		test.That(t, total, test.ShouldEqual, 16+lv+lt+lc)
		test.That(t, total, test.ShouldEqual, len(frame))
		test.That(t, int(int32(binary.LittleEndian.Uint32(frame[4:]))), test.ShouldEqual, lv)
		test.That(t, int(int32(binary.LittleEndian.Uint32(frame[8+lv:]))), test.ShouldEqual, lt)
		test.That(t, int(int32(binary.LittleEndian.Uint32(frame[12+lv+lt:]))), test.ShouldEqual, lc)
	})

	t.Run("deterministic", func(t *testing.T) {
		first, err := wire.Encode(testMesh())
		test.That(t, err, test.ShouldBeNil)
		second, err := wire.Encode(testMesh())
		test.That(t, err, test.ShouldBeNil)
		test.That(t, bytes.Equal(first, second), test.ShouldBeTrue)
	})

	t.Run("empty mesh is a 16 byte frame", func(t *testing.T) {
		frame, err := wire.Encode(mesh.Mesh{})
		test.That(t, err, test.ShouldBeNil)
		test.That(t, frame, test.ShouldHaveLength, 16)
		test.That(t, int(int32(binary.LittleEndian.Uint32(frame))), test.ShouldEqual, 16)
		for off := 4; off < 16; off += 4 {
			test.That(t, int(int32(binary.LittleEndian.Uint32(frame[off:]))), test.ShouldEqual, 0)
		}
	})
}

func TestDecode(t *testing.T) {
	frame, err := wire.Encode(testMesh())
	test.That(t, err, test.ShouldBeNil)

	t.Run("too short", func(t *testing.T) {
		_, err := wire.Decode(frame[:10])
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, "shorter than")
	})

	t.Run("total mismatch", func(t *testing.T) {
		_, err := wire.Decode(frame[:len(frame)-4])
		test.That(t, err, test.ShouldNotBeNil)
	})

	t.Run("section overrun", func(t *testing.T) {
		bad := make([]byte, len(frame))
		copy(bad, frame)
		// inflate the vertex section length beyond the frame
		binary.LittleEndian.PutUint32(bad[4:], uint32(len(frame)))
		_, err := wire.Decode(bad)
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, "vertex")
	})

	t.Run("ragged section length", func(t *testing.T) {
		bad := make([]byte, len(frame))
		copy(bad, frame)
		binary.LittleEndian.PutUint32(bad[4:], 13)
		_, err := wire.Decode(bad)
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, "invalid vertex section length")
	})
}

func TestReadFrame(t *testing.T) {
	t.Run("back to back frames", func(t *testing.T) {
		first := testMesh()
		second, err := first.Compact()
		test.That(t, err, test.ShouldBeNil)

		var stream bytes.Buffer
		for _, m := range []mesh.Mesh{first, second, {}} {
			frame, err := wire.Encode(m)
			test.That(t, err, test.ShouldBeNil)
			stream.Write(frame)
		}

		got1, err := wire.ReadFrame(&stream)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, got1, test.ShouldResemble, first)
		got2, err := wire.ReadFrame(&stream)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, got2, test.ShouldResemble, second)
		got3, err := wire.ReadFrame(&stream)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, got3.Vertices, test.ShouldHaveLength, 0)

		_, err = wire.ReadFrame(&stream)
		test.That(t, err, test.ShouldNotBeNil)
	})

	t.Run("truncated body", func(t *testing.T) {
		frame, err := wire.Encode(testMesh())
		test.That(t, err, test.ShouldBeNil)
		_, err = wire.ReadFrame(bytes.NewReader(frame[:len(frame)-1]))
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, "reading frame body")
	})

	t.Run("bogus header", func(t *testing.T) {
		_, err := wire.ReadFrame(bytes.NewReader([]byte{1, 0, 0, 0}))
		test.That(t, err, test.ShouldNotBeNil)
	})
}
