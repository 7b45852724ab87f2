package fnirt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"fslwarp/internal/models"
	"fslwarp/pkg/affine"
	"fslwarp/pkg/imagespace"
	"fslwarp/pkg/nonlinear"
)

func testSpaces() (src, ref imagespace.ImageSpace) {
	// Radiological sforms (negative determinant), so FSL coordinates are
	// plain scaled voxels.
	src = imagespace.New([3]int{8, 8, 8}, [3]float64{1, 1, 1},
		affine.ScaleOffsetXform([]float64{-1, 1, 1}, nil))
	ref = imagespace.New([3]int{8, 8, 8}, [3]float64{1, 1, 1},
		affine.ScaleOffsetXform([]float64{-1, 1, 1}, nil))
	return src, ref
}

// TestIntentPredicates verifies intent code classification
func TestIntentPredicates(t *testing.T) {
	assert.True(t, IsDisplacement(IntentDisplacementField))
	assert.True(t, IsDisplacement(IntentTopupField))
	assert.False(t, IsDisplacement(IntentCubicSplineCoefficients))

	for _, intent := range []int{
		IntentCubicSplineCoefficients,
		IntentDCTCoefficients,
		IntentQuadSplineCoefficients,
		IntentTopupCubicCoefficients,
		IntentTopupQuadCoefficients,
	} {
		assert.True(t, IsCoefficient(intent), "intent %d", intent)
	}
	assert.False(t, IsCoefficient(IntentDisplacementField))
	assert.False(t, IsCoefficient(0))
}

// TestFieldFromImageDisplacement verifies displacement field dispatch
func TestFieldFromImageDisplacement(t *testing.T) {
	src, ref := testSpaces()

	img := &FieldImage{
		Intent: IntentDisplacementField,
		Space:  ref,
		Data:   models.NewVolume(8, 8, 8, 3),
	}

	field, err := FieldFromImage(img, src, ref, nonlinear.DispRelative)
	require.NoError(t, err)

	df, ok := field.(*nonlinear.DisplacementField)
	require.True(t, ok, "expected a DisplacementField, got %T", field)

	assert.Equal(t, imagespace.FSL, df.SrcSpace())
	assert.Equal(t, imagespace.FSL, df.RefSpace())
	assert.Equal(t, nonlinear.DispRelative, df.DisplacementType())
}

// TestFieldFromImageCoefficient verifies that coefficient field metadata
// is pulled from the image header fields
func TestFieldFromImageCoefficient(t *testing.T) {
	src, ref := testSpaces()

	// Knot spacing lives in the pixdims, the initial source-to-reference
	// affine in the sform.
	srcToRef := affine.ScaleOffsetXform(nil, []float64{1, 2, 3})
	coefSpace := imagespace.New([3]int{6, 6, 6}, [3]float64{4, 4, 4}, srcToRef)

	img := &FieldImage{
		Intent: IntentCubicSplineCoefficients,
		Space:  coefSpace,
		Data:   models.NewVolume(6, 6, 6, 3),
	}

	field, err := FieldFromImage(img, src, ref, nonlinear.DispUnknown)
	require.NoError(t, err)

	cf, ok := field.(*nonlinear.CoefficientField)
	require.True(t, ok, "expected a CoefficientField, got %T", field)

	assert.Equal(t, nonlinear.FieldCubic, cf.FieldType())
	assert.Equal(t, [3]float64{4, 4, 4}, cf.KnotSpacing())
	assert.True(t, mat.EqualApprox(cf.SrcToRefMat(), srcToRef, 1e-9))

	expectF2R := affine.ScaleOffsetXform([]float64{4, 4, 4}, nil)
	assert.True(t, mat.EqualApprox(cf.FieldToRefMat(), expectF2R, 1e-9))
}

// TestFieldFromImageUnknownIntent verifies rejection of unmarked images
func TestFieldFromImageUnknownIntent(t *testing.T) {
	src, ref := testSpaces()

	img := &FieldImage{
		Intent: 0,
		Space:  ref,
		Data:   models.NewVolume(8, 8, 8, 3),
	}

	_, err := FieldFromImage(img, src, ref, nonlinear.DispUnknown)
	assert.Error(t, err)
}

// TestToFnirt verifies conversion of a generic field into FSL-to-FSL
// convention
func TestToFnirt(t *testing.T) {
	src, ref := testSpaces()

	df, err := nonlinear.NewDisplacementField(
		models.NewVolume(8, 8, 8, 3), src, ref,
		imagespace.Voxel, imagespace.Voxel, nonlinear.DispRelative)
	require.NoError(t, err)

	out, err := ToFnirt(df)
	require.NoError(t, err)
	assert.Equal(t, imagespace.FSL, out.SrcSpace())
	assert.Equal(t, imagespace.FSL, out.RefSpace())

	// With 1mm radiological images, FSL and voxel coordinates coincide,
	// so a zero field stays zero.
	assert.True(t, out.Data().AllClose(df.Data(), 1e-9))
}

// TestFromFnirt verifies conversion out of FSL-to-FSL convention
func TestFromFnirt(t *testing.T) {
	src, ref := testSpaces()

	df, err := nonlinear.NewDisplacementField(
		models.NewVolume(8, 8, 8, 3), src, ref,
		imagespace.FSL, imagespace.FSL, nonlinear.DispRelative)
	require.NoError(t, err)

	out, err := FromFnirt(df, imagespace.World, imagespace.World)
	require.NoError(t, err)
	assert.Equal(t, imagespace.World, out.SrcSpace())
	assert.Equal(t, imagespace.World, out.RefSpace())
}
