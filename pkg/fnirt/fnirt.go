// Package fnirt constructs non-linear transforms from FNIRT-convention
// images. FNIRT stores extra information about its outputs in NIfTI header
// fields: the intent code distinguishes displacement fields from spline
// coefficient fields, a coefficient file's pixdims hold the knot spacing in
// reference voxels, and its sform holds the initial source-to-reference
// affine. See $FSLDIR/src/fnirt/fnirt_file_writer.cpp for the details.
package fnirt

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"fslwarp/internal/models"
	"fslwarp/pkg/affine"
	"fslwarp/pkg/imagespace"
	"fslwarp/pkg/nonlinear"
)

// NIfTI intent codes used by FSL tools to mark their non-linear transform
// files.
const (
	IntentDisplacementField       = 2006
	IntentCubicSplineCoefficients = 2007
	IntentDCTCoefficients         = 2008
	IntentQuadSplineCoefficients  = 2009
	IntentTopupCubicCoefficients  = 2016
	IntentTopupQuadCoefficients   = 2017
	IntentTopupField              = 2018
)

// FieldImage is the information the engine needs from a loaded FNIRT
// transform image: its intent code, geometry, and (X, Y, Z, 3) payload.
type FieldImage struct {
	Intent int
	Space  imagespace.ImageSpace
	Data   *models.Volume
}

// IsDisplacement reports whether the given intent code marks a
// displacement field.
func IsDisplacement(intent int) bool {
	return intent == IntentDisplacementField || intent == IntentTopupField
}

// IsCoefficient reports whether the given intent code marks a spline
// coefficient field.
func IsCoefficient(intent int) bool {
	switch intent {
	case IntentCubicSplineCoefficients,
		IntentDCTCoefficients,
		IntentQuadSplineCoefficients,
		IntentTopupCubicCoefficients,
		IntentTopupQuadCoefficients:
		return true
	}
	return false
}

// FieldFromImage builds a DisplacementField or CoefficientField from a
// loaded FNIRT transform image, dispatching on the intent code. FNIRT
// fields always map between FSL coordinate systems. dispType applies only
// to displacement fields; pass DispUnknown to auto-detect.
func FieldFromImage(img *FieldImage, src, ref imagespace.ImageSpace,
	dispType nonlinear.DispType) (nonlinear.Transform, error) {

	switch {
	case IsDisplacement(img.Intent):
		return nonlinear.NewDisplacementField(
			img.Data, src, ref, imagespace.FSL, imagespace.FSL, dispType)

	case IsCoefficient(img.Intent):
		return coefficientFieldFromImage(img, src, ref)

	default:
		return nil, fmt.Errorf(
			"cannot determine field type from intent code %d", img.Intent)
	}
}

func coefficientFieldFromImage(img *FieldImage,
	src, ref imagespace.ImageSpace) (*nonlinear.CoefficientField, error) {

	// Only cubic B-spline fields can be evaluated. DCT and quadratic
	// spline files are recognised but unsupported; warn and assume
	// cubic, as fnirtfileutils does.
	switch img.Intent {
	case IntentCubicSplineCoefficients, IntentTopupCubicCoefficients:
	default:
		log.Warnf("unrecognised/unsupported coefficient field "+
			"type (assuming cubic b-spline): %d", img.Intent)
	}

	// Knot spacing, in reference image voxels, is stored in the pixdims,
	// and the initial source-to-reference alignment in the sform (as a
	// FLIRT matrix, i.e. FSL-to-FSL).
	knotSpacing := img.Space.Pixdim
	srcToRefMat := img.Space.VoxToWorldMat()
	fieldToRefMat := affine.ScaleOffsetXform(knotSpacing[:], nil)

	return nonlinear.NewCoefficientField(
		img.Data, src, ref,
		imagespace.FSL, imagespace.FSL,
		nonlinear.FieldCubic,
		knotSpacing,
		srcToRefMat,
		fieldToRefMat)
}

// ToFnirt converts a non-linear transform into a FNIRT-compatible
// displacement field, mapping between the FSL coordinate systems of its
// source and reference images. Coefficient fields are baked down to a
// dense displacement field first - the coefficients themselves cannot be
// adjusted to encode an FSL-to-FSL deformation.
func ToFnirt(field nonlinear.Transform) (*nonlinear.DisplacementField, error) {
	df, err := flatten(field)
	if err != nil {
		return nil, err
	}
	return nonlinear.ConvertDisplacementSpace(df, imagespace.FSL, imagespace.FSL)
}

// FromFnirt converts a FNIRT-style transform into a generic displacement
// field containing displacements from the reference image "from" coordinate
// system to the source image "to" coordinate system.
func FromFnirt(field nonlinear.Transform,
	from, to imagespace.Space) (*nonlinear.DisplacementField, error) {

	df, err := flatten(field)
	if err != nil {
		return nil, err
	}
	return nonlinear.ConvertDisplacementSpace(df, from, to)
}

func flatten(field nonlinear.Transform) (*nonlinear.DisplacementField, error) {
	switch f := field.(type) {
	case *nonlinear.CoefficientField:
		return f.AsDisplacementField(nonlinear.DispRelative, true)
	case *nonlinear.DisplacementField:
		return f, nil
	}
	return nil, fmt.Errorf("unsupported transform type %T", field)
}
