package tensor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDataTypeSize(t *testing.T) {
	assert.Equal(t, 4, Float32.Size())
	assert.Equal(t, 8, Float64.Size())
	assert.Equal(t, 4, Int32.Size())
	assert.Equal(t, 1, Uint8.Size())
	assert.Equal(t, "float32", Float32.String())
}

func TestShape_StridesAndElements(t *testing.T) {
	s := Shape{28, 28, 1, 128}
	assert.Equal(t, 28*28*128, s.NumElements())
	assert.Equal(t, []int{28 * 128, 128, 128, 1}, s.ComputeStrides())
	assert.Equal(t, 1, Shape{}.NumElements())
	assert.Equal(t, 128, s.Last())
	assert.Error(t, Shape{3, 0}.Validate())
}

func TestNormalizeDim(t *testing.T) {
	assert.Equal(t, 2, NormalizeDim(-1, 3))
	assert.Equal(t, 0, NormalizeDim(0, 3))
	assert.Panics(t, func() { NormalizeDim(3, 3) })
}

func TestBroadcastShapes(t *testing.T) {
	tests := []struct {
		a, b      Shape
		want      Shape
		broadcast bool
		wantErr   bool
	}{
		{Shape{20, 128}, Shape{20, 1}, Shape{20, 128}, true, false},
		{Shape{20, 128}, Shape{20, 128}, Shape{20, 128}, false, false},
		{Shape{10, 128}, Shape{}, Shape{10, 128}, true, false},
		{Shape{20, 3}, Shape{20, 128}, nil, false, true},
	}
	for _, tt := range tests {
		got, broadcast, err := BroadcastShapes(tt.a, tt.b)
		if tt.wantErr {
			assert.Error(t, err)
			continue
		}
		require.NoError(t, err)
		assert.True(t, tt.want.Equal(got), "%v + %v = %v", tt.a, tt.b, got)
		assert.Equal(t, tt.broadcast, broadcast)
	}
}

func TestRawTensor_CloneIsDeep(t *testing.T) {
	r := MustNewRaw(Shape{2, 2}, Float32, CPU)
	r.AsFloat32()[0] = 3
	c := r.Clone()
	c.AsFloat32()[0] = 7
	assert.Equal(t, float32(3), r.AsFloat32()[0])
	assert.Equal(t, float32(7), c.AsFloat32()[0])
}

func TestRawTensor_ViewSharesData(t *testing.T) {
	r := MustNewRaw(Shape{28, 28, 1, 2}, Float32, CPU)
	v := r.View(Shape{784, 2})
	v.AsFloat32()[5] = 1
	assert.Equal(t, float32(1), r.AsFloat32()[5])
	assert.Equal(t, []int{2, 1}, v.Strides())
	assert.Panics(t, func() { r.View(Shape{783, 2}) })
}

func TestRawTensor_WrongDTypePanics(t *testing.T) {
	r := MustNewRaw(Shape{3}, Int32, CPU)
	assert.Panics(t, func() { r.AsFloat32() })
	assert.Len(t, r.AsInt32(), 3)
}
