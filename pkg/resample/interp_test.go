package resample

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fslwarp/internal/models"
	"fslwarp/pkg/affine"
)

// TestParseMode verifies boundary mode parsing
func TestParseMode(t *testing.T) {
	for s, want := range map[string]Mode{
		"nearest":  ModeNearest,
		"constant": ModeConstant,
		"reflect":  ModeReflect,
	} {
		got, err := ParseMode(s)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := ParseMode("wrap")
	assert.Error(t, err)
}

// TestReflectIndex verifies edge reflection (d c b a | a b c d | d c b a)
func TestReflectIndex(t *testing.T) {
	n := 4
	cases := map[int]int{
		-2: 1,
		-1: 0,
		0:  0,
		3:  3,
		4:  3,
		5:  2,
		8:  0,
	}
	for in, want := range cases {
		assert.Equal(t, want, reflectIndex(in, n), "reflectIndex(%d, %d)", in, n)
	}

	// A single-element axis always reflects to zero.
	assert.Equal(t, 0, reflectIndex(-7, 1))
}

// TestSamplerBoundaries verifies the three boundary modes
func TestSamplerBoundaries(t *testing.T) {
	vol := models.NewVolume(2, 2, 2)
	vol.Set(1, 0, 0, 0)
	vol.Set(2, 1, 0, 0)

	nearest := sampler{vol: vol, mode: ModeNearest}
	assert.Equal(t, 1.0, nearest.at(-5, 0, 0))
	assert.Equal(t, 2.0, nearest.at(9, 0, 0))

	constant := sampler{vol: vol, mode: ModeConstant, cval: -1}
	assert.Equal(t, -1.0, constant.at(-1, 0, 0))
	assert.Equal(t, 1.0, constant.at(0, 0, 0))

	reflect := sampler{vol: vol, mode: ModeReflect}
	assert.Equal(t, 1.0, reflect.at(-1, 0, 0))
	assert.Equal(t, 2.0, reflect.at(2, 0, 0))
}

// TestInterpolateOrders verifies nearest, linear and cubic interpolation
// on a linear ramp, which all three orders reproduce exactly at interior
// points
func TestInterpolateOrders(t *testing.T) {
	vol := models.NewVolume(6, 6, 6)
	for z := 0; z < 6; z++ {
		for y := 0; y < 6; y++ {
			for x := 0; x < 6; x++ {
				vol.Set(float64(x), x, y, z)
			}
		}
	}
	s := sampler{vol: vol, mode: ModeNearest}

	assert.InDelta(t, 3.0, s.interpolate(2.6, 2, 2, 0), 1e-9)
	assert.InDelta(t, 2.5, s.interpolate(2.5, 2, 2, 1), 1e-9)

	// Catmull-Rom has linear precision away from the boundary.
	assert.InDelta(t, 2.5, s.interpolate(2.5, 2, 2, 3), 1e-9)
	assert.InDelta(t, 2.25, s.interpolate(2.25, 3, 3, 3), 1e-9)

	// NaN coordinates produce the fill value.
	sc := sampler{vol: vol, mode: ModeConstant, cval: -1}
	assert.Equal(t, -1.0, sc.interpolate(math.NaN(), 2, 2, 1))
}

// TestMapCoordinates verifies bulk interpolation, including NaN handling
func TestMapCoordinates(t *testing.T) {
	vol := models.NewVolume(4, 4, 4)
	for x := 0; x < 4; x++ {
		for y := 0; y < 4; y++ {
			for z := 0; z < 4; z++ {
				vol.Set(float64(x), x, y, z)
			}
		}
	}

	coords := [][3]float64{
		{0, 0, 0},
		{1.5, 1, 1},
		{math.NaN(), 0, 0},
	}
	vals := MapCoordinates(vol, coords, 1, ModeConstant, math.NaN())

	require.Len(t, vals, 3)
	assert.InDelta(t, 0.0, vals[0], 1e-9)
	assert.InDelta(t, 1.5, vals[1], 1e-9)
	assert.True(t, math.IsNaN(vals[2]))
}

// TestAffineTransformTranslation verifies resampling through a pure
// translation matrix
func TestAffineTransformTranslation(t *testing.T) {
	vol := models.NewVolume(4, 4, 4)
	vol.Set(5, 2, 2, 2)

	// Output voxel (1,2,2) samples input voxel (2,2,2).
	m := affine.Identity(4)
	m.Set(0, 3, 1)

	out := AffineTransform(vol, m, [3]int{4, 4, 4}, 0, ModeConstant, 0)
	assert.Equal(t, 5.0, out.At(1, 2, 2))
	assert.Equal(t, 0.0, out.At(2, 2, 2))
}

// TestGaussianFilter verifies kernel normalisation and ramp preservation
func TestGaussianFilter(t *testing.T) {
	// A constant volume is unchanged by a normalised kernel.
	vol := models.NewVolume(8, 8, 8)
	vol.Fill(3)

	out := GaussianFilter(vol, []float64{1, 1, 1})
	assert.True(t, vol.AllClose(out, 1e-9))

	// Sigma zero leaves an axis untouched.
	out = GaussianFilter(vol, []float64{0, 0, 0})
	assert.True(t, vol.AllClose(out, 1e-12))
}

// TestGaussianKernel verifies that the kernel sums to one and is
// symmetric
func TestGaussianKernel(t *testing.T) {
	k := gaussianKernel(0.85)

	sum := 0.0
	for _, v := range k {
		sum += v
	}
	assert.InDelta(t, 1.0, sum, 1e-12)

	for i := range k {
		assert.InDelta(t, k[len(k)-1-i], k[i], 1e-12)
	}
}
