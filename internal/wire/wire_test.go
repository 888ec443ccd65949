package wire

import (
	"testing"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVLESizes(t *testing.T) {
	cases := []struct {
		value uint32
		size  int
	}{
		{0, 1},
		{0x7f, 1},
		{0x80, 2},
		{0x3fff, 2},
		{0x4000, 3},
		{0x1fffff, 3},
		{0x200000, 4},
		{MaxVLE, 4},
	}
	for _, tc := range cases {
		w := NewWriter(4)
		w.WriteVLE(tc.value)
		assert.Equal(t, tc.size, w.Len(), "size for %#x", tc.value)

		got, err := NewReader(w.Bytes()).ReadVLE()
		require.NoError(t, err)
		assert.Equal(t, tc.value, got)
	}
}

func TestVLERejectsThirtyBits(t *testing.T) {
	w := NewWriter(4)
	assert.Panics(t, func() { w.WriteVLE(1 << 29) })
}

func TestReaderReportsShortBuffer(t *testing.T) {
	w := NewWriter(8)
	w.WriteVLE(0x4000)
	truncated := w.Bytes()[:2]

	_, err := NewReader(truncated).ReadVLE()
	require.ErrorIs(t, err, ErrShortBuffer)

	_, err = NewReader(nil).ReadUvarint()
	require.ErrorIs(t, err, ErrShortBuffer)

	_, err = NewReader([]byte{1, 2}).ReadFloat32()
	require.ErrorIs(t, err, ErrShortBuffer)
}

func TestMixedPayload(t *testing.T) {
	pos := mgl64.Vec3{1.5, -2, 1024}
	rot := mgl64.QuatRotate(0.5, mgl64.Vec3{0, 0, 1})

	w := NewWriter(64)
	w.WriteUint8(7)
	w.WriteBool(true)
	w.WriteUvarint(300)
	w.WriteVarint(-42)
	w.WriteString("crate")
	w.WriteVec3(pos)
	w.WriteQuat(rot)

	r := NewReader(w.Bytes())
	b, err := r.ReadUint8()
	require.NoError(t, err)
	assert.Equal(t, uint8(7), b)

	flag, err := r.ReadBool()
	require.NoError(t, err)
	assert.True(t, flag)

	u, err := r.ReadUint32()
	require.NoError(t, err)
	assert.Equal(t, uint32(300), u)

	s, err := r.ReadVarint()
	require.NoError(t, err)
	assert.Equal(t, int64(-42), s)

	name, err := r.ReadString()
	require.NoError(t, err)
	assert.Equal(t, "crate", name)

	gotPos, err := r.ReadVec3()
	require.NoError(t, err)
	assert.True(t, gotPos.ApproxEqualThreshold(pos, 1e-6))

	gotRot, err := r.ReadQuat()
	require.NoError(t, err)
	assert.True(t, gotRot.ApproxEqualThreshold(rot, 1e-6))

	assert.Zero(t, r.Remaining())
}
