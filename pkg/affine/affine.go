// Package affine provides utility functions for working with affine
// transformation matrices, as used by FSL tools. Affines are represented
// as 4x4 (or 3x3, for pure rotations) gonum matrices of float64, with the
// bottom row of a 4x4 affine always [0 0 0 1].
package affine

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// SingularMatrixError is returned by Invert when the matrix has no inverse.
type SingularMatrixError struct {
	Err error
}

func (e *SingularMatrixError) Error() string {
	return fmt.Sprintf("matrix is singular: %v", e.Err)
}

func (e *SingularMatrixError) Unwrap() error { return e.Err }

// ShapeMismatchError is returned when a matrix or shape argument has an
// unsupported rank or size.
type ShapeMismatchError struct {
	Msg string
}

func (e *ShapeMismatchError) Error() string { return e.Msg }

// Origin selects how voxel indices relate to the space a voxel covers.
type Origin int

const (
	// OriginCentre treats voxel (i,j,k) as covering [i-0.5, i+0.5] per axis.
	OriginCentre Origin = iota

	// OriginCorner treats voxel (i,j,k) as covering [i, i+1] per axis.
	OriginCorner
)

func (o Origin) String() string {
	switch o {
	case OriginCentre:
		return "centre"
	case OriginCorner:
		return "corner"
	}
	return fmt.Sprintf("Origin(%d)", int(o))
}

// ParseOrigin parses an origin string. Both British and US spellings of
// "centre" are accepted.
func ParseOrigin(s string) (Origin, error) {
	switch s {
	case "centre", "center":
		return OriginCentre, nil
	case "corner":
		return OriginCorner, nil
	}
	return 0, fmt.Errorf("invalid origin value: %q", s)
}

// Boundary selects which bounding box faces AxisBounds nudges inwards.
type Boundary int

const (
	BoundaryHigh Boundary = iota
	BoundaryLow
	BoundaryBoth
	BoundaryNone
)

// Identity returns a new n x n identity matrix.
func Identity(n int) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}
	return m
}

// Invert inverts the given matrix. A SingularMatrixError is returned if the
// matrix has no inverse; a pseudo-inverse is never substituted.
func Invert(x *mat.Dense) (*mat.Dense, error) {
	r, _ := x.Dims()
	inv := mat.NewDense(r, r, nil)
	if err := inv.Inverse(x); err != nil {
		return nil, &SingularMatrixError{Err: err}
	}
	return inv, nil
}

// Concat combines the given matrices with a left-to-right dot product chain:
// Concat(M1, M2, ..., Mn) = M1·M2·...·Mn. Applying the result to a column
// vector applies Mn first.
func Concat(xforms ...*mat.Dense) *mat.Dense {
	result := mat.DenseCopyOf(xforms[0])
	for _, x := range xforms[1:] {
		next := &mat.Dense{}
		next.Mul(result, x)
		result = next
	}
	return result
}

// VecLength returns the Euclidean length of each of the given vectors.
func VecLength(vecs ...[3]float64) []float64 {
	out := make([]float64, len(vecs))
	for i, v := range vecs {
		out[i] = math.Sqrt(v[0]*v[0] + v[1]*v[1] + v[2]*v[2])
	}
	return out
}

// Normalise scales each of the given vectors to unit length.
func Normalise(vecs ...[3]float64) [][3]float64 {
	lens := VecLength(vecs...)
	out := make([][3]float64, len(vecs))
	for i, v := range vecs {
		out[i] = [3]float64{v[0] / lens[i], v[1] / lens[i], v[2] / lens[i]}
	}
	return out
}

// pad3 pads a slice to length 3 with the given default value.
func pad3(vals []float64, def float64) [3]float64 {
	out := [3]float64{def, def, def}
	for i := 0; i < len(vals) && i < 3; i++ {
		out[i] = vals[i]
	}
	return out
}

// ScaleOffsetXform creates a 4x4 affine encoding the specified scales and
// offsets. Inputs shorter than three values are padded with scale 1 and
// offset 0.
func ScaleOffsetXform(scales, offsets []float64) *mat.Dense {
	s := pad3(scales, 1)
	o := pad3(offsets, 0)

	xform := Identity(4)
	xform.Set(0, 0, s[0])
	xform.Set(1, 1, s[1])
	xform.Set(2, 2, s[2])
	xform.Set(0, 3, o[0])
	xform.Set(1, 3, o[1])
	xform.Set(2, 3, o[2])
	return xform
}

// ComposeOpts holds the optional arguments to Compose.
type ComposeOpts struct {
	// Origin of rotation, already scaled by the scales. Zero origin if nil.
	Origin []float64

	// Shears holds the xy, xz and yz shear values. No shear if nil.
	Shears []float64
}

// Compose builds a transformation matrix out of the given scales, offsets and
// axis rotations (in radians), as
// offset · postRotate · rotate · preRotate · scale · shear, where the pre and
// post rotation matrices translate the rotation origin to and from zero.
func Compose(scales, offsets, rotations []float64, opts ComposeOpts) *mat.Dense {
	rotmat := AxisAnglesToRotMat(rotations[0], rotations[1], rotations[2])
	return ComposeWithRotMat(scales, offsets, rotmat, opts)
}

// ComposeWithRotMat is Compose for callers which already hold a 3x3 rotation
// matrix.
func ComposeWithRotMat(scales, offsets []float64, rotations *mat.Dense, opts ComposeOpts) *mat.Dense {
	preRotate := Identity(4)
	postRotate := Identity(4)

	if opts.Origin != nil {
		o := pad3(opts.Origin, 0)
		preRotate.Set(0, 3, -o[0])
		preRotate.Set(1, 3, -o[1])
		preRotate.Set(2, 3, -o[2])
		postRotate.Set(0, 3, o[0])
		postRotate.Set(1, 3, o[1])
		postRotate.Set(2, 3, o[2])
	}

	scale := Identity(4)
	offset := Identity(4)
	rotate := Identity(4)
	shear := Identity(4)

	scale.Set(0, 0, scales[0])
	scale.Set(1, 1, scales[1])
	scale.Set(2, 2, scales[2])
	offset.Set(0, 3, offsets[0])
	offset.Set(1, 3, offsets[1])
	offset.Set(2, 3, offsets[2])

	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			rotate.Set(i, j, rotations.At(i, j))
		}
	}

	if opts.Shears != nil {
		sh := pad3(opts.Shears, 0)
		shear.Set(0, 1, sh[0])
		shear.Set(0, 2, sh[1])
		shear.Set(1, 2, sh[2])
	}

	return Concat(offset, postRotate, rotate, preRotate, scale, shear)
}

// Decomposition holds the results of Decompose.
type Decomposition struct {
	Scales       [3]float64
	Translations [3]float64

	// Rotations holds axis-angle rotations in radians.
	Rotations [3]float64

	// RotMat is the raw 3x3 rotation matrix.
	RotMat *mat.Dense

	// Shears holds the xy, xz and yz shear values.
	Shears [3]float64
}

// Decompose decomposes the given 3x3 or 4x4 transformation matrix into
// separate offsets, scales, rotations and shears, using the algorithm
// described in:
//
// Spencer W. Thomas, Decomposing a matrix into simple transformations, pp
// 320-323 in Graphics Gems II, James Arvo (editor), Academic Press, 1991,
// ISBN: 0120644819.
//
// It is assumed that the given transform has no perspective components. If
// the rotation submatrix has negative determinant, the flip is encoded in
// the x scale factor.
func Decompose(xform *mat.Dense) (*Decomposition, error) {
	rows, cols := xform.Dims()
	if rows != cols || (rows != 3 && rows != 4) {
		return nil, &ShapeMismatchError{
			Msg: fmt.Sprintf("cannot decompose a %dx%d matrix", rows, cols),
		}
	}

	d := &Decomposition{}

	// Work on the transpose, extracting the translations first. We are then
	// left with the 3x3 linear part, whose rows (columns of the input) are
	// orthogonalised in turn.
	t := mat.DenseCopyOf(xform.T())
	if rows == 4 {
		d.Translations = [3]float64{t.At(3, 0), t.At(3, 1), t.At(3, 2)}
	}

	m1 := [3]float64{t.At(0, 0), t.At(0, 1), t.At(0, 2)}
	m2 := [3]float64{t.At(1, 0), t.At(1, 1), t.At(1, 2)}
	m3 := [3]float64{t.At(2, 0), t.At(2, 1), t.At(2, 2)}

	// Scale and shear extraction is interleaved: sx = |M1|.
	sx := math.Sqrt(dot3(m1, m1))
	m1 = scale3(m1, 1/sx)

	// Initial xy shear (too large by the y scale factor).
	sxy := dot3(m1, m2)

	// Make the second row orthogonal to the first.
	m2 = sub3(m2, scale3(m1, sxy))

	// The y scale is the length of the modified second row.
	sy := math.Sqrt(dot3(m2, m2))
	m2 = scale3(m2, 1/sy)
	sxy = sxy / sx

	// xz and yz shears, then make the third row orthogonal to the first two.
	sxz := dot3(m1, m3)
	syz := dot3(m2, m3)
	m3 = sub3(m3, scale3(m1, sxz))
	m3 = sub3(m3, scale3(m2, syz))

	sz := math.Sqrt(dot3(m3, m3))
	m3 = scale3(m3, 1/sz)
	sxz = sxz / sx
	syz = syz / sy

	r := mat.NewDense(3, 3, []float64{
		m1[0], m1[1], m1[2],
		m2[0], m2[1], m2[2],
		m3[0], m3[1], m3[2],
	})

	if mat.Det(r) < 0 {
		for j := 0; j < 3; j++ {
			r.Set(0, j, -r.At(0, j))
		}
		sx = -sx
	}

	rotmat := mat.DenseCopyOf(r.T())
	rx, ry, rz := RotMatToAxisAngles(rotmat)

	d.Scales = [3]float64{sx, sy, sz}
	d.Rotations = [3]float64{rx, ry, rz}
	d.RotMat = rotmat
	d.Shears = [3]float64{sxy, sxz, syz}

	return d, nil
}

func dot3(a, b [3]float64) float64 {
	return a[0]*b[0] + a[1]*b[1] + a[2]*b[2]
}

func scale3(a [3]float64, s float64) [3]float64 {
	return [3]float64{a[0] * s, a[1] * s, a[2] * s}
}

func sub3(a, b [3]float64) [3]float64 {
	return [3]float64{a[0] - b[0], a[1] - b[1], a[2] - b[2]}
}

// RotMatToAffine encodes the given 3x3 rotation matrix into a 4x4 affine,
// optionally rotating about the given origin.
func RotMatToAffine(rotmat *mat.Dense, origin []float64) *mat.Dense {
	return ComposeWithRotMat(
		[]float64{1, 1, 1}, []float64{0, 0, 0}, rotmat,
		ComposeOpts{Origin: origin})
}

// RotMatToAxisAngles decomposes a 3x3 rotation matrix into an angle in
// radians about each axis.
func RotMatToAxisAngles(rotmat *mat.Dense) (xrot, yrot, zrot float64) {
	yrot = math.Sqrt(rotmat.At(0, 0)*rotmat.At(0, 0) + rotmat.At(1, 0)*rotmat.At(1, 0))

	// Gimbal lock when the y rotation approaches +-90 degrees.
	if yrot < 1e-8 {
		xrot = math.Atan2(-rotmat.At(1, 2), rotmat.At(1, 1))
		yrot = math.Atan2(-rotmat.At(2, 0), yrot)
		zrot = 0
	} else {
		xrot = math.Atan2(rotmat.At(2, 1), rotmat.At(2, 2))
		yrot = math.Atan2(-rotmat.At(2, 0), yrot)
		zrot = math.Atan2(rotmat.At(1, 0), rotmat.At(0, 0))
	}
	return xrot, yrot, zrot
}

// AxisAnglesToRotMat constructs a 3x3 rotation matrix from the given angles,
// which must be specified in radians.
func AxisAnglesToRotMat(xrot, yrot, zrot float64) *mat.Dense {
	xmat := Identity(3)
	ymat := Identity(3)
	zmat := Identity(3)

	xmat.Set(1, 1, math.Cos(xrot))
	xmat.Set(1, 2, -math.Sin(xrot))
	xmat.Set(2, 1, math.Sin(xrot))
	xmat.Set(2, 2, math.Cos(xrot))

	ymat.Set(0, 0, math.Cos(yrot))
	ymat.Set(0, 2, math.Sin(yrot))
	ymat.Set(2, 0, -math.Sin(yrot))
	ymat.Set(2, 2, math.Cos(yrot))

	zmat.Set(0, 0, math.Cos(zrot))
	zmat.Set(0, 1, -math.Sin(zrot))
	zmat.Set(1, 0, math.Sin(zrot))
	zmat.Set(1, 1, math.Cos(zrot))

	return Concat(zmat, ymat, xmat)
}

// AxisBoundsOpts holds the optional arguments to AxisBounds.
type AxisBoundsOpts struct {
	Origin   Origin
	Boundary Boundary

	// Offset is the amount by which boundary voxel coordinates are nudged
	// before transforming, so that floating point error cannot push the
	// bounds outside (or inside) the image space. Defaults to 1e-4.
	Offset float64
}

// DefaultAxisBoundsOpts returns the default AxisBounds options: centre
// origin, high boundary, offset 1e-4.
func DefaultAxisBoundsOpts() AxisBoundsOpts {
	return AxisBoundsOpts{
		Origin:   OriginCentre,
		Boundary: BoundaryHigh,
		Offset:   1e-4,
	}
}

// AxisBounds returns the per-axis (lo, hi) bounds of the given voxel grid in
// the coordinate system defined by xform, by transforming the eight corners
// of the grid's bounding box. With OriginCentre the grid extends from
// (-0.5,-0.5,-0.5) to shape-0.5; with OriginCorner from (0,0,0) to shape.
func AxisBounds(shape [3]int, xform *mat.Dense, opts AxisBoundsOpts) (lo, hi [3]float64) {
	x := float64(shape[0])
	y := float64(shape[1])
	z := float64(shape[2])

	var x0, y0, z0 float64

	if opts.Origin == OriginCentre {
		x0, y0, z0 = -0.5, -0.5, -0.5
		x, y, z = x-0.5, y-0.5, z-0.5
	}

	if opts.Boundary == BoundaryLow || opts.Boundary == BoundaryBoth {
		x0 += opts.Offset
		y0 += opts.Offset
		z0 += opts.Offset
	}
	if opts.Boundary == BoundaryHigh || opts.Boundary == BoundaryBoth {
		x -= opts.Offset
		y -= opts.Offset
		z -= opts.Offset
	}

	points := [][3]float64{
		{x0, y0, z0},
		{x0, y0, z},
		{x0, y, z0},
		{x0, y, z},
		{x, y0, z0},
		{x, y0, z},
		{x, y, z0},
		{x, y, z},
	}

	tx := Transform(points, xform)

	for ax := 0; ax < 3; ax++ {
		lo[ax] = math.Inf(1)
		hi[ax] = math.Inf(-1)
		for _, p := range tx {
			lo[ax] = math.Min(lo[ax], p[ax])
			hi[ax] = math.Max(hi[ax], p[ax])
		}
	}
	return lo, hi
}

// Transform applies the given 4x4 affine to each of the given points,
// computing xform[:3,:3]·p + xform[:3,3]. A new slice is returned; the input
// is not modified.
func Transform(points [][3]float64, xform *mat.Dense) [][3]float64 {
	out := make([][3]float64, len(points))
	for i, p := range points {
		out[i] = TransformPoint(p, xform)
	}
	return out
}

// TransformPoint applies the given 4x4 affine to a single point.
func TransformPoint(p [3]float64, xform *mat.Dense) [3]float64 {
	var out [3]float64
	for r := 0; r < 3; r++ {
		out[r] = xform.At(r, 0)*p[0] +
			xform.At(r, 1)*p[1] +
			xform.At(r, 2)*p[2] +
			xform.At(r, 3)
	}
	return out
}

// TransformVector applies only the linear part of the given transform to
// each of the given points, treating them as direction vectors - the
// translation component is not applied. The matrix may be 3x3 or 4x4.
func TransformVector(points [][3]float64, xform *mat.Dense) [][3]float64 {
	out := make([][3]float64, len(points))
	for i, p := range points {
		for r := 0; r < 3; r++ {
			out[i][r] = xform.At(r, 0)*p[0] +
				xform.At(r, 1)*p[1] +
				xform.At(r, 2)*p[2]
		}
	}
	return out
}

// TransformNormal transforms the given points under the assumption that they
// are normal vectors, applying invert(xform[:3,:3])^T. This is the correct
// transform for surface normals under non-uniform scaling.
func TransformNormal(points [][3]float64, xform *mat.Dense) ([][3]float64, error) {
	linear := mat.NewDense(3, 3, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			linear.Set(i, j, xform.At(i, j))
		}
	}
	inv, err := Invert(linear)
	if err != nil {
		return nil, err
	}
	return TransformVector(points, mat.DenseCopyOf(inv.T())), nil
}

// RMSDev calculates the RMS deviation of the affines t1 and t2 over a sphere
// of radius r centred at xc, which can be used as a measure of the distance
// between two affines. Both matrices must be 4x4 affines, or both 3x3
// rotation matrices.
//
// See FMRIB technical report TR99MJ1:
// https://www.fmrib.ox.ac.uk/datasets/techrep/
func RMSDev(t1, t2 *mat.Dense, r float64, xc [3]float64) (float64, error) {
	rows, _ := t1.Dims()

	inv, err := Invert(t1)
	if err != nil {
		return 0, err
	}

	m := &mat.Dense{}
	m.Mul(t2, inv)
	m.Sub(m, Identity(rows))

	var t [3]float64
	if rows == 4 {
		t = [3]float64{m.At(0, 3), m.At(1, 3), m.At(2, 3)}
	}

	var axc [3]float64
	for i := 0; i < 3; i++ {
		axc[i] = m.At(i, 0)*xc[0] + m.At(i, 1)*xc[1] + m.At(i, 2)*xc[2]
	}

	erms := 0.0
	for i := 0; i < 3; i++ {
		v := t[i] + axc[i]
		erms += v * v
	}

	trace := 0.0
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			trace += m.At(j, i) * m.At(j, i)
		}
	}

	return math.Sqrt(0.2*r*r*trace + erms), nil
}

// Rescale calculates an (n+1)x(n+1) affine mapping the voxel grid of
// newShape onto the voxel grid of oldShape, suitable for driving an affine
// resample. The matrix contains scale factors derived from the
// oldShape/newShape ratio; with OriginCorner an extra half-voxel offset
// aligns the grid corners rather than the corner voxel centres.
func Rescale(oldShape, newShape []float64, origin Origin) (*mat.Dense, error) {
	ndim := len(oldShape)
	if ndim != len(newShape) {
		return nil, &ShapeMismatchError{
			Msg: fmt.Sprintf("shape mismatch: %v vs %v", oldShape, newShape),
		}
	}

	same := true
	for i := range oldShape {
		if math.Abs(oldShape[i]-newShape[i]) > 1e-9 {
			same = false
			break
		}
	}
	if same {
		return Identity(ndim + 1), nil
	}

	xform := Identity(ndim + 1)
	for i := 0; i < ndim; i++ {
		ratio := oldShape[i] / newShape[i]
		xform.Set(i, i, ratio)
		if origin == OriginCorner {
			xform.Set(i, ndim, (ratio-1)/2)
		}
	}
	return xform, nil
}
