package wire

import (
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl64"
	"google.golang.org/protobuf/encoding/protowire"
)

// Writer appends encoded values to a growable buffer.
type Writer struct {
	buf []byte
}

// NewWriter returns a writer with the given initial capacity.
func NewWriter(capacity int) *Writer {
	if capacity < 0 {
		capacity = 0
	}
	return &Writer{buf: make([]byte, 0, capacity)}
}

// Bytes returns the encoded payload. The slice aliases the writer's buffer
// until the next Reset.
func (w *Writer) Bytes() []byte {
	return w.buf
}

// Len reports the number of encoded bytes.
func (w *Writer) Len() int {
	return len(w.buf)
}

// Reset discards the payload but keeps the allocation.
func (w *Writer) Reset() {
	w.buf = w.buf[:0]
}

// WriteUint8 appends one byte.
func (w *Writer) WriteUint8(v uint8) {
	w.buf = append(w.buf, v)
}

// WriteBool appends a bool as one byte.
func (w *Writer) WriteBool(v bool) {
	if v {
		w.buf = append(w.buf, 1)
		return
	}
	w.buf = append(w.buf, 0)
}

// WriteUvarint appends an unsigned varint.
func (w *Writer) WriteUvarint(v uint64) {
	w.buf = protowire.AppendVarint(w.buf, v)
}

// WriteVarint appends a zig-zag encoded signed varint.
func (w *Writer) WriteVarint(v int64) {
	w.buf = protowire.AppendVarint(w.buf, protowire.EncodeZigZag(v))
}

// WriteFloat32 appends a float as fixed32.
func (w *Writer) WriteFloat32(v float32) {
	w.buf = protowire.AppendFixed32(w.buf, math.Float32bits(v))
}

// WriteString appends a length-prefixed string.
func (w *Writer) WriteString(v string) {
	w.buf = protowire.AppendString(w.buf, v)
}

// WriteBytes appends a length-prefixed byte slice.
func (w *Writer) WriteBytes(v []byte) {
	w.buf = protowire.AppendBytes(w.buf, v)
}

// WriteRaw appends bytes without a length prefix.
func (w *Writer) WriteRaw(v []byte) {
	w.buf = append(w.buf, v...)
}

// WriteVLE appends v using the 1-4 byte mask encoding. Values above MaxVLE
// are a programming error.
func (w *Writer) WriteVLE(v uint32) {
	switch {
	case v < 0x80:
		w.buf = append(w.buf, byte(v))
	case v < 0x4000:
		w.buf = append(w.buf, byte(v)|0x80, byte(v>>7))
	case v < 0x200000:
		w.buf = append(w.buf, byte(v)|0x80, byte(v>>7)|0x80, byte(v>>14))
	case v <= MaxVLE:
		w.buf = append(w.buf, byte(v)|0x80, byte(v>>7)|0x80, byte(v>>14)|0x80, byte(v>>21))
	default:
		panic(fmt.Sprintf("wire: VLE value %#x exceeds 29 bits", v))
	}
}

// WriteVec3 appends a vector as three float32 values.
func (w *Writer) WriteVec3(v mgl64.Vec3) {
	w.WriteFloat32(float32(v[0]))
	w.WriteFloat32(float32(v[1]))
	w.WriteFloat32(float32(v[2]))
}

// WriteQuat appends a rotation as four float32 values (w, x, y, z).
func (w *Writer) WriteQuat(q mgl64.Quat) {
	w.WriteFloat32(float32(q.W))
	w.WriteVec3(q.V)
}
