// Package resample maps one image's voxel grid into another's using
// arbitrary affines or non-linear deformation fields, with optional
// anisotropic-ratio-aware pre-smoothing that mimics FLIRT's anti-aliasing
// behaviour.
package resample

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"fslwarp/internal/models"
	"fslwarp/pkg/affine"
	"fslwarp/pkg/imagespace"
	"fslwarp/pkg/nonlinear"
)

// Params holds the optional arguments to Resample.
type Params struct {
	// Order is the spline interpolation order: 0 nearest, 1 linear
	// (default via DefaultParams), 3 cubic.
	Order int

	// Smooth applies Gaussian pre-smoothing along axes which are being
	// down-sampled. Ignored when Order is 0.
	Smooth bool

	// Origin controls voxel grid alignment when the resampling matrix is
	// derived from the shape ratio. Ignored when Matrix is set.
	Origin affine.Origin

	// Matrix, if set, maps output voxel coordinates to input voxel
	// coordinates, overriding the shape-derived scaling matrix.
	Matrix *mat.Dense

	// Mode selects out-of-bounds handling, and CVal the fill value for
	// ModeConstant.
	Mode Mode
	CVal float64
}

// DefaultParams returns the default resampling parameters: linear
// interpolation, smoothing enabled, centre origin, nearest boundary mode.
func DefaultParams() Params {
	return Params{
		Order:  1,
		Smooth: true,
		Origin: affine.OriginCentre,
		Mode:   ModeNearest,
	}
}

// Resample returns a copy of the given volume resampled to newShape, along
// with the affine mapping the voxels of the result into the world
// coordinate system defined by voxToWorld.
//
// If the requested shape equals the current shape and no matrix was
// supplied, the original volume and affine are returned unchanged. If a
// matrix was supplied, the returned affine is nil: the function cannot
// guarantee that the result is still aligned with the input's world space,
// so it declines to report one.
func Resample(vol *models.Volume, voxToWorld *mat.Dense,
	newShape []int, p Params) (*models.Volume, *mat.Dense, error) {

	if vol.NDim() != len(newShape) {
		return nil, nil, &affine.ShapeMismatchError{
			Msg: fmt.Sprintf("data dimensions do not match new shape: %d != %d",
				vol.NDim(), len(newShape)),
		}
	}
	if vol.NDim() < 3 {
		return nil, nil, &affine.ShapeMismatchError{
			Msg: fmt.Sprintf("cannot resample %d-dimensional data", vol.NDim()),
		}
	}

	oldShapeF := make([]float64, vol.NDim())
	newShapeF := make([]float64, vol.NDim())
	for i := range newShape {
		oldShapeF[i] = float64(vol.Shape[i])
		newShapeF[i] = float64(newShape[i])
	}

	matrixProvided := p.Matrix != nil
	matrix := p.Matrix

	if matrix == nil {
		// No-op fast path: same shape and no matrix means nothing to do,
		// and the original data and affine are returned as-is.
		if vol.SameShape(newShape) {
			return vol, voxToWorld, nil
		}
		var err error
		matrix, err = affine.Rescale(oldShapeF, newShapeF, p.Origin)
		if err != nil {
			return nil, nil, err
		}
	}

	// Trailing (non-spatial) axes are resampled frame by frame, so their
	// extents must not change.
	for i := 3; i < vol.NDim(); i++ {
		if vol.Shape[i] != newShape[i] {
			return nil, nil, &affine.ShapeMismatchError{
				Msg: fmt.Sprintf("cannot resample non-spatial axis %d: %d != %d",
					i, vol.Shape[i], newShape[i]),
			}
		}
	}

	if p.Order > 0 && p.Smooth {
		vol = applySmoothing(vol, matrix, newShapeF)
	}

	outShape3 := [3]int{newShape[0], newShape[1], newShape[2]}

	// The shape-derived matrix is (ndim+1)x(ndim+1); reduce it to the
	// spatial 4x4 block before sampling.
	spatial := spatial4x4(matrix)

	var out *models.Volume
	if vol.NDim() == 3 {
		out = AffineTransform(vol, spatial, outShape3, p.Order, p.Mode, p.CVal)
	} else {
		out = models.NewVolume(newShape...)
		if err := eachFrame(vol, func(trailing []int, frame *models.Volume) error {
			res := AffineTransform(frame, spatial, outShape3, p.Order, p.Mode, p.CVal)
			return out.SetSubVolume(res, trailing...)
		}); err != nil {
			return nil, nil, err
		}
	}

	if matrixProvided {
		return out, nil, nil
	}

	// The resampling matrix maps output voxels to input voxels, so the
	// output voxel-to-world affine is the input's, composed with it.
	outAffine := affine.Concat(voxToWorld, spatial4x4(matrix))
	return out, outAffine, nil
}

// eachFrame visits every 3D frame of a volume with more than three axes.
func eachFrame(vol *models.Volume, fn func([]int, *models.Volume) error) error {
	trailing := make([]int, vol.NDim()-3)
	for {
		frame, err := vol.SubVolume(trailing...)
		if err != nil {
			return err
		}
		if err := fn(trailing, frame); err != nil {
			return err
		}

		i := 0
		for ; i < len(trailing); i++ {
			trailing[i]++
			if trailing[i] < vol.Shape[3+i] {
				break
			}
			trailing[i] = 0
		}
		if i == len(trailing) {
			return nil
		}
	}
}

// spatial4x4 extracts the spatial 3x3 block and offset of a resampling
// matrix into a 4x4 affine.
func spatial4x4(matrix *mat.Dense) *mat.Dense {
	_, cols := matrix.Dims()
	out := affine.Identity(4)
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			out.Set(r, c, matrix.At(r, c))
		}
		out.Set(r, 3, matrix.At(r, cols-1))
	}
	return out
}

// applySmoothing applies a Gaussian filter along axes which are being
// down-sampled by a ratio of at least 1.1, with sigma 0.425 times the
// ratio. Without this, down-sampling to a resolution where the voxel
// centres align would make any interpolation regime equivalent to nearest
// neighbour. The constants mimic FLIRT and are a reproducibility
// requirement.
func applySmoothing(vol *models.Volume, matrix *mat.Dense, newShape []float64) *models.Volume {
	linear := mat.NewDense(3, 3, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			linear.Set(i, j, matrix.At(i, j))
		}
	}

	// The per-axis scaling ratios of the resampling matrix.
	dec, err := affine.Decompose(linear)
	if err != nil {
		return vol
	}

	ratio := make([]float64, vol.NDim())
	ratio[0], ratio[1], ratio[2] = dec.Scales[0], dec.Scales[1], dec.Scales[2]
	for i := 3; i < vol.NDim(); i++ {
		ratio[i] = float64(vol.Shape[i]) / newShape[i]
	}

	sigma := make([]float64, len(ratio))
	for i, r := range ratio {
		if r >= 1.1 {
			sigma[i] = r * 0.425
		}
	}

	return GaussianFilter(vol, sigma)
}

// ResampleToPixdims resamples a volume so that it has the given voxel
// dimensions.
func ResampleToPixdims(vol *models.Volume, space imagespace.ImageSpace,
	newPixdims [3]float64, p Params) (*models.Volume, *mat.Dense, error) {

	newShape := make([]int, vol.NDim())
	for i := range newShape {
		newShape[i] = vol.Shape[i]
	}
	for i := 0; i < 3; i++ {
		newShape[i] = int(math.Round(
			float64(space.Shape[i]) * space.Pixdim[i] / newPixdims[i]))
	}
	return Resample(vol, space.VoxToWorldMat(), newShape, p)
}

// ResampleToReference resamples a volume into the voxel grid of a reference
// image. The optional xform maps source world coordinates to reference
// world coordinates (identity if nil). The returned affine is always the
// reference's own voxel-to-world matrix, since the target space is well
// defined by construction.
func ResampleToReference(vol *models.Volume,
	space, reference imagespace.ImageSpace,
	xform *mat.Dense, p Params) (*models.Volume, *mat.Dense, error) {

	worldToVox, err := space.WorldToVoxMat()
	if err != nil {
		return nil, nil, err
	}

	// Output voxel -> ref world -> (inverse linear xform) -> src world ->
	// src voxel.
	matrix := affine.Concat(worldToVox, reference.VoxToWorldMat())
	if xform != nil {
		inv, err := affine.Invert(xform)
		if err != nil {
			return nil, nil, err
		}
		matrix = affine.Concat(worldToVox, inv, reference.VoxToWorldMat())
	}

	newShape := make([]int, vol.NDim())
	newShape[0], newShape[1], newShape[2] =
		reference.Shape[0], reference.Shape[1], reference.Shape[2]
	for i := 3; i < vol.NDim(); i++ {
		newShape[i] = vol.Shape[i]
	}

	p.Matrix = matrix
	out, _, err := Resample(vol, space.VoxToWorldMat(), newShape, p)
	if err != nil {
		return nil, nil, err
	}

	return out, reference.VoxToWorldMat(), nil
}

// ApplyDeformation warps a source volume through a non-linear transform,
// producing a volume on the reference image grid. If a CoefficientField is
// given, its initial linear alignment is folded in. refOverride may
// substitute a different reference grid; the field is resampled onto it if
// its geometry differs.
func ApplyDeformation(vol *models.Volume, space imagespace.ImageSpace,
	xform nonlinear.Transform, refOverride *imagespace.ImageSpace,
	order int, mode Mode, cval float64) (*models.Volume, error) {

	if vol.NDim() != 3 {
		return nil, &affine.ShapeMismatchError{
			Msg: fmt.Sprintf("deformation requires a 3D volume, got %dD", vol.NDim()),
		}
	}

	var df *nonlinear.DisplacementField
	var err error

	switch f := xform.(type) {
	case *nonlinear.CoefficientField:
		df, err = f.AsDisplacementField(nonlinear.DispRelative, true)
		if err != nil {
			return nil, err
		}
	case *nonlinear.DisplacementField:
		df = f
	default:
		return nil, fmt.Errorf("unsupported transform type %T", xform)
	}

	// Re-express the field as a world-to-world mapping.
	df, err = nonlinear.ConvertDisplacementSpace(
		df, imagespace.World, imagespace.World)
	if err != nil {
		return nil, err
	}

	ref := df.Ref()
	if refOverride != nil {
		ref = *refOverride
	}

	// A substituted reference with different geometry means the field
	// itself must be resampled onto the new grid first.
	if !imagespace.SameSpace(df.Ref(), ref) {
		df, err = resampleFieldTo(df, ref)
		if err != nil {
			return nil, err
		}
	}

	absolute := df.Absolute()

	worldToVox, err := space.WorldToVoxMat()
	if err != nil {
		return nil, err
	}
	refVoxToWorld := ref.VoxToWorldMat()

	shape := ref.Shape
	coords := make([][3]float64, shape[0]*shape[1]*shape[2])
	data := df.Data()

	i := 0
	for z := 0; z < shape[2]; z++ {
		for y := 0; y < shape[1]; y++ {
			for x := 0; x < shape[0]; x++ {
				var world [3]float64
				if absolute {
					world = [3]float64{
						data.At(x, y, z, 0),
						data.At(x, y, z, 1),
						data.At(x, y, z, 2),
					}
				} else {
					world = affine.TransformPoint(
						[3]float64{float64(x), float64(y), float64(z)},
						refVoxToWorld)
					for c := 0; c < 3; c++ {
						world[c] += data.At(x, y, z, c)
					}
				}
				coords[i] = affine.TransformPoint(world, worldToVox)
				i++
			}
		}
	}

	values := MapCoordinates(vol, coords, order, mode, cval)
	out, err := models.NewVolumeFrom(values, shape[0], shape[1], shape[2])
	if err != nil {
		return nil, err
	}
	return out, nil
}

// resampleFieldTo linearly resamples each channel of a displacement field
// onto the grid of a new reference image.
func resampleFieldTo(df *nonlinear.DisplacementField,
	ref imagespace.ImageSpace) (*nonlinear.DisplacementField, error) {

	oldRef := df.Ref()
	oldShape := oldRef.Shape
	data := df.Data()

	p := DefaultParams()
	p.Smooth = false
	p.Mode = ModeConstant
	p.CVal = math.NaN()

	out := models.NewVolume(ref.Shape[0], ref.Shape[1], ref.Shape[2], 3)

	for c := 0; c < 3; c++ {
		channel := models.NewVolume(oldShape[0], oldShape[1], oldShape[2])
		n := channel.Len()
		copy(channel.Data, data.Data[c*n:(c+1)*n])

		res, _, err := ResampleToReference(channel, oldRef, ref, nil, p)
		if err != nil {
			return nil, err
		}
		copy(out.Data[c*res.Len():(c+1)*res.Len()], res.Data)
	}

	return nonlinear.NewDisplacementField(out, df.Src(), ref,
		df.SrcSpace(), df.RefSpace(), df.DisplacementType())
}
