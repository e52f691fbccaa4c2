package tensor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerializeRoundTrip(t *testing.T) {
	f, err := FromFloat32([]int{2, 2}, []float32{0.5, -1, 3.25, 0})
	require.NoError(t, err)
	i, err := FromInt32([]int{3}, []int32{-7, 0, 42})
	require.NoError(t, err)
	b, err := FromBool([]int{1, 4}, []bool{true, false, false, true})
	require.NoError(t, err)

	for _, tc := range []struct {
		name string
		in   *Tensor
	}{
		{"float32", f},
		{"int32", i},
		{"bool", b},
	} {
		t.Run(tc.name, func(t *testing.T) {
			want, err := tc.in.Bytes()
			require.NoError(t, err)
			want = append([]byte(nil), want...)

			s, err := Serialize(tc.in)
			require.NoError(t, err)
			_, err = Transfer([]*Serialized{&s})
			require.NoError(t, err)

			out, err := Deserialize(s)
			require.NoError(t, err)
			assert.Equal(t, tc.in.DType(), out.DType())
			assert.Equal(t, tc.in.Shape(), out.Shape())
			got, err := out.Bytes()
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

func TestTransferDetachesSource(t *testing.T) {
	src, err := FromInt32([]int{4}, []int32{1, 2, 3, 4})
	require.NoError(t, err)
	view, err := src.Reshape([]int{2, 2})
	require.NoError(t, err)

	a, err := Serialize(src)
	require.NoError(t, err)
	b, err := Serialize(view)
	require.NoError(t, err)
	assert.Len(t, TransferList([]Serialized{a, b}), 1)

	moved, err := Transfer([]*Serialized{&a, &b})
	require.NoError(t, err)
	assert.Len(t, moved, 1)
	assert.Len(t, moved[0], 16)

	_, err = src.Bytes()
	assert.ErrorIs(t, err, ErrDetached)
	_, err = view.Int32s()
	assert.ErrorIs(t, err, ErrDetached)

	out, err := Deserialize(b)
	require.NoError(t, err)
	vals, err := out.Int32s()
	require.NoError(t, err)
	assert.Equal(t, []int32{1, 2, 3, 4}, vals)
}

func TestRelease(t *testing.T) {
	x, err := FromFloat32([]int{1}, []float32{1})
	require.NoError(t, err)
	x.Release()
	assert.True(t, x.Released())
	_, err = x.Float32s()
	assert.ErrorIs(t, err, ErrReleased)
	_, err = Serialize(x)
	assert.ErrorIs(t, err, ErrReleased)
}

func TestNewRejectsShortBuffer(t *testing.T) {
	_, err := New(Float32, []int{4}, NewBuffer(make([]byte, 8)), 0)
	assert.Error(t, err)
	_, err = New("complex64", []int{1}, NewBuffer(make([]byte, 8)), 0)
	assert.Error(t, err)
}

func TestNormalizeMask(t *testing.T) {
	// 2x2 source: top-left and bottom-right set
	base := []float32{1, 0, 0, 1}

	tests := []struct {
		name  string
		shape []int
	}{
		{"rank2", []int{2, 2}},
		{"rank3 trailing channel", []int{2, 2, 1}},
		{"rank3 leading batch", []int{1, 2, 2}},
		{"rank4", []int{1, 2, 2, 1}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m, err := FromFloat32(tc.shape, base)
			require.NoError(t, err)

			out, err := NormalizeMask(m, 4, 4)
			require.NoError(t, err)
			assert.Equal(t, []int{4, 4}, out.Shape())

			vals, err := out.Float32s()
			require.NoError(t, err)
			assert.Equal(t, []float32{
				1, 1, 0, 0,
				1, 1, 0, 0,
				0, 0, 1, 1,
				0, 0, 1, 1,
			}, vals)
		})
	}
}

func TestNormalizeMaskMultiChannel(t *testing.T) {
	// [1, 2, 1, 2]: two rows of one pixel, two channels
	m, err := FromFloat32([]int{1, 2, 1, 2}, []float32{0.9, 0.1, 0.2, 0.8})
	require.NoError(t, err)
	out, err := NormalizeMask(m, 2, 1)
	require.NoError(t, err)
	vals, err := out.Float32s()
	require.NoError(t, err)
	assert.Equal(t, []float32{0.9, 0.2}, vals)
}

func TestNormalizeMaskRejectsRank(t *testing.T) {
	m, err := FromFloat32([]int{4}, []float32{1, 2, 3, 4})
	require.NoError(t, err)
	_, err = NormalizeMask(m, 2, 2)
	assert.Error(t, err)
}
