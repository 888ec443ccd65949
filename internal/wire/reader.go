package wire

import (
	"errors"
	"io"
	"math"

	"github.com/go-gl/mathgl/mgl64"
	"google.golang.org/protobuf/encoding/protowire"
)

// Reader consumes values from an encoded payload.
type Reader struct {
	buf []byte
	off int
}

// NewReader wraps payload for decoding.
func NewReader(payload []byte) *Reader {
	return &Reader{buf: payload}
}

// Remaining reports the number of unread bytes.
func (r *Reader) Remaining() int {
	return len(r.buf) - r.off
}

// Offset reports the number of bytes consumed so far.
func (r *Reader) Offset() int {
	return r.off
}

// ReadUint8 consumes one byte.
func (r *Reader) ReadUint8() (uint8, error) {
	if r.Remaining() < 1 {
		return 0, ErrShortBuffer
	}
	v := r.buf[r.off]
	r.off++
	return v, nil
}

// ReadBool consumes a bool written by WriteBool.
func (r *Reader) ReadBool() (bool, error) {
	v, err := r.ReadUint8()
	return v != 0, err
}

// ReadUvarint consumes an unsigned varint.
func (r *Reader) ReadUvarint() (uint64, error) {
	v, n := protowire.ConsumeVarint(r.buf[r.off:])
	if n < 0 {
		return 0, r.consumeErr("varint", n)
	}
	r.off += n
	return v, nil
}

// ReadUint32 consumes an unsigned varint that must fit in 32 bits.
func (r *Reader) ReadUint32() (uint32, error) {
	v, err := r.ReadUvarint()
	if err != nil {
		return 0, err
	}
	if v > math.MaxUint32 {
		return 0, malformed("uint32", errOverflow)
	}
	return uint32(v), nil
}

// ReadVarint consumes a zig-zag encoded signed varint.
func (r *Reader) ReadVarint() (int64, error) {
	v, err := r.ReadUvarint()
	if err != nil {
		return 0, err
	}
	return protowire.DecodeZigZag(v), nil
}

// ReadFloat32 consumes a fixed32 float.
func (r *Reader) ReadFloat32() (float32, error) {
	v, n := protowire.ConsumeFixed32(r.buf[r.off:])
	if n < 0 {
		return 0, r.consumeErr("fixed32", n)
	}
	r.off += n
	return math.Float32frombits(v), nil
}

// ReadString consumes a length-prefixed string.
func (r *Reader) ReadString() (string, error) {
	v, n := protowire.ConsumeString(r.buf[r.off:])
	if n < 0 {
		return "", r.consumeErr("string", n)
	}
	r.off += n
	return v, nil
}

// ReadBytes consumes a length-prefixed byte slice. The result aliases the
// underlying payload.
func (r *Reader) ReadBytes() ([]byte, error) {
	v, n := protowire.ConsumeBytes(r.buf[r.off:])
	if n < 0 {
		return nil, r.consumeErr("bytes", n)
	}
	r.off += n
	return v, nil
}

// ReadVLE consumes a value written by WriteVLE.
func (r *Reader) ReadVLE() (uint32, error) {
	var v uint32
	for i := 0; i < 4; i++ {
		b, err := r.ReadUint8()
		if err != nil {
			return 0, err
		}
		if i == 3 {
			return v | uint32(b)<<21, nil
		}
		v |= uint32(b&0x7f) << (7 * i)
		if b&0x80 == 0 {
			return v, nil
		}
	}
	return v, nil
}

// ReadVec3 consumes a vector written by WriteVec3.
func (r *Reader) ReadVec3() (mgl64.Vec3, error) {
	var v mgl64.Vec3
	for i := range v {
		f, err := r.ReadFloat32()
		if err != nil {
			return mgl64.Vec3{}, err
		}
		v[i] = float64(f)
	}
	return v, nil
}

// ReadQuat consumes a rotation written by WriteQuat.
func (r *Reader) ReadQuat() (mgl64.Quat, error) {
	w, err := r.ReadFloat32()
	if err != nil {
		return mgl64.Quat{}, err
	}
	v, err := r.ReadVec3()
	if err != nil {
		return mgl64.Quat{}, err
	}
	return mgl64.Quat{W: float64(w), V: v}, nil
}

func (r *Reader) consumeErr(what string, n int) error {
	err := protowire.ParseError(n)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrShortBuffer
	}
	return malformed(what, err)
}
