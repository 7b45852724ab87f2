package nonlinear

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fslwarp/internal/models"
	"fslwarp/pkg/affine"
	"fslwarp/pkg/imagespace"
)

// constCoefField builds a cubic coefficient field over an 8x8x8 reference
// image, with a knot spacing of 2 voxels and every control point set to
// the given vector.
func constCoefField(t *testing.T, coef [3]float64) *CoefficientField {
	t.Helper()

	ref := imagespace.New([3]int{8, 8, 8}, [3]float64{1, 1, 1}, nil)
	src := ref

	// 8 control points per axis comfortably cover the 4-voxel field
	// extent plus the 4x4x4 spline support.
	data := models.NewVolume(8, 8, 8, 3)
	for z := 0; z < 8; z++ {
		for y := 0; y < 8; y++ {
			for x := 0; x < 8; x++ {
				for c := 0; c < 3; c++ {
					data.Set(coef[c], x, y, z, c)
				}
			}
		}
	}

	knotSpacing := [3]float64{2, 2, 2}
	fieldToRef := affine.ScaleOffsetXform(knotSpacing[:], nil)

	f, err := NewCoefficientField(data, src, ref,
		imagespace.Voxel, imagespace.Voxel,
		FieldCubic, knotSpacing, nil, fieldToRef)
	require.NoError(t, err)
	return f
}

// TestNewCoefficientFieldRejectsQuadratic verifies fail-fast construction
// for unsupported spline models
func TestNewCoefficientFieldRejectsQuadratic(t *testing.T) {
	ref := imagespace.New([3]int{8, 8, 8}, [3]float64{1, 1, 1}, nil)
	data := models.NewVolume(8, 8, 8, 3)

	_, err := NewCoefficientField(data, ref, ref,
		imagespace.Voxel, imagespace.Voxel,
		FieldQuadratic, [3]float64{2, 2, 2}, nil, affine.Identity(4))
	require.Error(t, err)

	var ferr *InvalidFieldTypeError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, FieldQuadratic, ferr.Type)
}

// TestCoefficientFieldAccessors verifies that matrix accessors return
// copies of the construction arguments
func TestCoefficientFieldAccessors(t *testing.T) {
	f := constCoefField(t, [3]float64{0, 0, 0})

	assert.Equal(t, FieldCubic, f.FieldType())
	assert.Equal(t, [3]float64{2, 2, 2}, f.KnotSpacing())
	assert.Nil(t, f.SrcToRefMat())

	f2r := f.FieldToRefMat()
	assert.InDelta(t, 2.0, f2r.At(0, 0), 1e-9)

	r2f := f.RefToFieldMat()
	assert.InDelta(t, 0.5, r2f.At(0, 0), 1e-9)
}

// TestBSplineBasis verifies partition of unity of the cubic basis
func TestBSplineBasis(t *testing.T) {
	for _, u := range []float64{0, 0.25, 0.5, 0.75, 0.999} {
		sum := 0.0
		for l := 0; l < 4; l++ {
			sum += bspline(u, l)
		}
		assert.InDelta(t, 1.0, sum, 1e-12, "u=%v", u)
	}

	// At u=0 the basis reduces to the (1/6, 4/6, 1/6, 0) stencil.
	assert.InDelta(t, 1.0/6, bspline(0, 0), 1e-12)
	assert.InDelta(t, 4.0/6, bspline(0, 1), 1e-12)
	assert.InDelta(t, 1.0/6, bspline(0, 2), 1e-12)
	assert.InDelta(t, 0.0, bspline(0, 3), 1e-12)
}

// TestDisplacementsConstantField verifies that a constant coefficient
// field evaluates to that constant wherever the spline support lies
// fully inside the control point grid
func TestDisplacementsConstantField(t *testing.T) {
	f := constCoefField(t, [3]float64{1.5, -2, 0.25})

	coords := [][3]float64{
		{0, 0, 0},
		{2, 2, 2},
		{3.7, 1.2, 4.9},
		{7, 7, 7},
	}
	disps := f.Displacements(coords)

	require.Len(t, disps, len(coords))
	for i, d := range disps {
		assert.InDelta(t, 1.5, d[0], 1e-9, "coord %d", i)
		assert.InDelta(t, -2.0, d[1], 1e-9, "coord %d", i)
		assert.InDelta(t, 0.25, d[2], 1e-9, "coord %d", i)
	}
}

// TestDisplacementsEdgeBias verifies that missing out-of-grid neighbours
// contribute zero, pulling edge displacements towards zero
func TestDisplacementsEdgeBias(t *testing.T) {
	f := constCoefField(t, [3]float64{1, 0, 0})

	// Field coordinate -0.5: the l=0 neighbour is at index -1, outside
	// the grid, so the sum falls short of the full coefficient value.
	disps := f.Displacements([][3]float64{{-1, 0, 0}})
	assert.Less(t, disps[0][0], 1.0)
	assert.Greater(t, disps[0][0], 0.0)
}

// TestDisplacementsAffineField verifies that the spline reproduces an
// affine displacement function exactly. With control point m holding
// d(fieldToRef * (m - 1)) for an affine d, linear precision of the cubic
// basis (sum of l * b_l(u) = u + 1) makes the evaluated displacement at
// reference voxel r equal d(r).
func TestDisplacementsAffineField(t *testing.T) {
	ref := imagespace.New([3]int{8, 8, 8}, [3]float64{1, 1, 1}, nil)

	d := func(r [3]float64) [3]float64 {
		return [3]float64{
			0.1*r[0] + 1,
			0.2*r[1] - 1,
			0.05 * r[2],
		}
	}

	knotSpacing := [3]float64{2, 2, 2}
	data := models.NewVolume(8, 8, 8, 3)
	for z := 0; z < 8; z++ {
		for y := 0; y < 8; y++ {
			for x := 0; x < 8; x++ {
				v := d([3]float64{
					2 * float64(x-1),
					2 * float64(y-1),
					2 * float64(z-1),
				})
				for c := 0; c < 3; c++ {
					data.Set(v[c], x, y, z, c)
				}
			}
		}
	}

	f, err := NewCoefficientField(data, ref, ref,
		imagespace.Voxel, imagespace.Voxel,
		FieldCubic, knotSpacing, nil,
		affine.ScaleOffsetXform(knotSpacing[:], nil))
	require.NoError(t, err)

	coords := [][3]float64{
		{0, 0, 0},
		{1, 2, 3},
		{3.5, 5.25, 6},
		{7, 7, 7},
	}
	disps := f.Displacements(coords)

	for i, r := range coords {
		want := d(r)
		for c := 0; c < 3; c++ {
			assert.InDelta(t, want[c], disps[i][c], 1e-9,
				"coord %v channel %d", r, c)
		}
	}
}

// TestAsDisplacementFieldMemoization verifies that conversions are cached
// per displacement type
func TestAsDisplacementFieldMemoization(t *testing.T) {
	f := constCoefField(t, [3]float64{1, 0, 0})

	df1, err := f.AsDisplacementField(DispRelative, true)
	require.NoError(t, err)
	df2, err := f.AsDisplacementField(DispRelative, true)
	require.NoError(t, err)
	assert.Same(t, df1, df2)

	// DispUnknown normalises to relative, hitting the same cache entry.
	df3, err := f.AsDisplacementField(DispUnknown, true)
	require.NoError(t, err)
	assert.Same(t, df1, df3)

	dfAbs, err := f.AsDisplacementField(DispAbsolute, true)
	require.NoError(t, err)
	assert.NotSame(t, df1, dfAbs)
	assert.Equal(t, DispAbsolute, dfAbs.DisplacementType())
}

// TestCoefficientFieldTransform verifies end-to-end coordinate mapping
// through the spline
func TestCoefficientFieldTransform(t *testing.T) {
	f := constCoefField(t, [3]float64{1.5, 0, 0})

	out, err := f.Transform([][3]float64{{4, 4, 4}},
		imagespace.Voxel, imagespace.Voxel)
	require.NoError(t, err)

	assert.InDelta(t, 5.5, out[0][0], 1e-9)
	assert.InDelta(t, 4.0, out[0][1], 1e-9)
	assert.InDelta(t, 4.0, out[0][2], 1e-9)
}

// TestCoefficientFieldPremat verifies that an initial linear alignment is
// folded into the flattened displacement field
func TestCoefficientFieldPremat(t *testing.T) {
	ref := imagespace.New([3]int{8, 8, 8}, [3]float64{1, 1, 1}, nil)

	data := models.NewVolume(8, 8, 8, 3)

	// A pure translation of +2 along x as the source-to-reference affine.
	srcToRef := affine.ScaleOffsetXform(nil, []float64{2, 0, 0})
	fieldToRef := affine.ScaleOffsetXform([]float64{2, 2, 2}, nil)

	f, err := NewCoefficientField(data, ref, ref,
		imagespace.Voxel, imagespace.Voxel,
		FieldCubic, [3]float64{2, 2, 2}, srcToRef, fieldToRef)
	require.NoError(t, err)

	// With zero coefficients the displacements are exactly the inverse
	// premat shift: g - 2 - g = -2 along x.
	withPremat, err := f.AsDisplacementField(DispRelative, true)
	require.NoError(t, err)
	assert.InDelta(t, -2.0, withPremat.Data().At(3, 3, 3, 0), 1e-9)
	assert.InDelta(t, 0.0, withPremat.Data().At(3, 3, 3, 1), 1e-9)

	// Skipping the premat leaves the zero field untouched.
	without, err := f.AsDisplacementField(DispRelative, false)
	require.NoError(t, err)
	assert.InDelta(t, 0.0, without.Data().At(3, 3, 3, 0), 1e-9)
}
