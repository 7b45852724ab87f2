package models

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestVolumeIndexing verifies first-axis-fastest storage order
func TestVolumeIndexing(t *testing.T) {
	v := NewVolume(2, 3, 4)

	assert.Equal(t, 24, v.Len())
	assert.Equal(t, 3, v.NDim())
	assert.Equal(t, 1, v.Stride(0))
	assert.Equal(t, 2, v.Stride(1))
	assert.Equal(t, 6, v.Stride(2))

	// (x, y, z) lives at x + nx*(y + ny*z).
	assert.Equal(t, 1+2*(2+3*3), v.Index(1, 2, 3))

	v.Set(5, 1, 2, 3)
	assert.Equal(t, 5.0, v.At(1, 2, 3))
	assert.Equal(t, 5.0, v.Data[v.Index(1, 2, 3)])
}

// TestNewVolumeFrom verifies data slice wrapping and length validation
func TestNewVolumeFrom(t *testing.T) {
	data := []float64{1, 2, 3, 4, 5, 6}
	v, err := NewVolumeFrom(data, 3, 2)
	require.NoError(t, err)
	assert.Equal(t, 2.0, v.At(1, 0))
	assert.Equal(t, 4.0, v.At(0, 1))

	_, err = NewVolumeFrom(data, 4, 2)
	assert.Error(t, err)
}

// TestCopy verifies that copies do not share storage
func TestCopy(t *testing.T) {
	v := NewVolume(2, 2, 2)
	v.Fill(1)

	c := v.Copy()
	c.Set(9, 0, 0, 0)
	assert.Equal(t, 1.0, v.At(0, 0, 0))
	assert.Equal(t, 9.0, c.At(0, 0, 0))
}

// TestSameShape verifies shape comparison
func TestSameShape(t *testing.T) {
	v := NewVolume(2, 3, 4)
	assert.True(t, v.SameShape([]int{2, 3, 4}))
	assert.False(t, v.SameShape([]int{2, 3, 5}))
	assert.False(t, v.SameShape([]int{2, 3}))
}

// TestSubVolume verifies 3D frame extraction and insertion on a 4D volume
func TestSubVolume(t *testing.T) {
	v := NewVolume(2, 2, 2, 3)
	for i := range v.Data {
		v.Data[i] = float64(i)
	}

	frame, err := v.SubVolume(1)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2, 2}, frame.Shape)
	assert.Equal(t, 8.0, frame.At(0, 0, 0))
	assert.Equal(t, 15.0, frame.At(1, 1, 1))

	// Frames are copies.
	frame.Set(-1, 0, 0, 0)
	assert.Equal(t, 8.0, v.At(0, 0, 0, 1))

	// Round trip through SetSubVolume.
	require.NoError(t, v.SetSubVolume(frame, 2))
	assert.Equal(t, -1.0, v.At(0, 0, 0, 2))

	_, err = v.SubVolume(0, 0)
	assert.Error(t, err)
}

// TestAllClose verifies tolerance-based comparison with NaN handling
func TestAllClose(t *testing.T) {
	a := NewVolume(2, 2, 2)
	b := NewVolume(2, 2, 2)

	a.Fill(1)
	b.Fill(1.0000001)
	assert.True(t, a.AllClose(b, 1e-6))
	assert.False(t, a.AllClose(b, 1e-9))

	// NaNs compare equal to NaNs, and unequal to anything else.
	a.Set(math.NaN(), 0, 0, 0)
	assert.False(t, a.AllClose(b, 1e-6))
	b.Set(math.NaN(), 0, 0, 0)
	assert.True(t, a.AllClose(b, 1e-6))

	c := NewVolume(2, 2)
	assert.False(t, a.AllClose(c, 1e-6))
}
