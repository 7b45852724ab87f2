// Package nonlinear implements FNIRT-style non-linear transformations
// between the coordinate systems of a source and a reference image: dense
// displacement fields, cubic B-spline coefficient fields, and conversions
// between them.
package nonlinear

import (
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"fslwarp/internal/models"
	"fslwarp/pkg/affine"
	"fslwarp/pkg/imagespace"
)

// DispType describes how a displacement field encodes its displacements.
type DispType int

const (
	// DispUnknown means the type has not been specified, and will be
	// auto-detected on first use.
	DispUnknown DispType = iota

	// DispAbsolute fields store, at each reference voxel, the coordinates
	// of the corresponding source image location.
	DispAbsolute

	// DispRelative fields store, at each reference voxel, an offset which
	// is added to the reference coordinates to get the source location.
	DispRelative
)

func (t DispType) String() string {
	switch t {
	case DispAbsolute:
		return "absolute"
	case DispRelative:
		return "relative"
	case DispUnknown:
		return "unknown"
	}
	return fmt.Sprintf("DispType(%d)", int(t))
}

// Transform is the interface shared by DisplacementField and
// CoefficientField: a mapping from reference image coordinates to source
// image coordinates.
type Transform interface {
	Src() imagespace.ImageSpace
	Ref() imagespace.ImageSpace
	SrcSpace() imagespace.Space
	RefSpace() imagespace.Space

	// Transform maps the given coordinates, interpreted in the "from"
	// coordinate system of the reference image, into the "to" coordinate
	// system of the source image.
	Transform(coords [][3]float64, from, to imagespace.Space) ([][3]float64, error)
}

// field is the state shared by both transform types: source and reference
// geometry snapshots, their associated coordinate systems, and an
// image-shaped (X, Y, Z, 3) data array owned exclusively by the transform.
type field struct {
	src      imagespace.ImageSpace
	ref      imagespace.ImageSpace
	srcSpace imagespace.Space
	refSpace imagespace.Space
	data     *models.Volume
}

func newField(data *models.Volume,
	src, ref imagespace.ImageSpace,
	srcSpace, refSpace imagespace.Space) (field, error) {

	if data.NDim() != 4 || data.Shape[3] != 3 {
		return field{}, fmt.Errorf(
			"field data must have shape (X, Y, Z, 3), got %v", data.Shape)
	}
	if srcSpace < imagespace.Voxel || srcSpace > imagespace.World {
		return field{}, &imagespace.InvalidSpaceError{Value: srcSpace.String()}
	}
	if refSpace < imagespace.Voxel || refSpace > imagespace.World {
		return field{}, &imagespace.InvalidSpaceError{Value: refSpace.String()}
	}

	return field{
		src:      src,
		ref:      ref,
		srcSpace: srcSpace,
		refSpace: refSpace,
		data:     data,
	}, nil
}

func (f *field) Src() imagespace.ImageSpace    { return f.src }
func (f *field) Ref() imagespace.ImageSpace    { return f.ref }
func (f *field) SrcSpace() imagespace.Space    { return f.srcSpace }
func (f *field) RefSpace() imagespace.Space    { return f.refSpace }
func (f *field) Data() *models.Volume          { return f.data }
func (f *field) FieldShape() [3]int {
	return [3]int{f.data.Shape[0], f.data.Shape[1], f.data.Shape[2]}
}

// DisplacementField is a transform which stores one displacement vector per
// reference image voxel, in either absolute or relative form.
type DisplacementField struct {
	field

	mu       sync.Mutex
	dispType DispType
}

// NewDisplacementField creates a DisplacementField from an (X, Y, Z, 3)
// data array, which must match the reference image shape. Pass DispUnknown
// to have the displacement type auto-detected on first use.
func NewDisplacementField(data *models.Volume,
	src, ref imagespace.ImageSpace,
	srcSpace, refSpace imagespace.Space,
	dispType DispType) (*DisplacementField, error) {

	base, err := newField(data, src, ref, srcSpace, refSpace)
	if err != nil {
		return nil, err
	}

	shape := base.FieldShape()
	if shape != ref.Shape {
		return nil, fmt.Errorf(
			"displacement field shape %v does not match reference shape %v",
			shape, ref.Shape)
	}

	return &DisplacementField{field: base, dispType: dispType}, nil
}

// DisplacementType returns the displacement type, running the auto-detection
// heuristic on first access if the type was not specified at construction.
func (f *DisplacementField) DisplacementType() DispType {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dispType == DispUnknown {
		f.dispType = DetectDisplacementType(f)
	}
	return f.dispType
}

// Absolute reports whether the field stores absolute displacements.
func (f *DisplacementField) Absolute() bool {
	return f.DisplacementType() == DispAbsolute
}

// Relative reports whether the field stores relative displacements.
func (f *DisplacementField) Relative() bool {
	return f.DisplacementType() == DispRelative
}

// Transform maps the given reference image coordinates into source image
// coordinates. The displacement for each coordinate is looked up at the
// nearest reference voxel - the field is not interpolated. Coordinates
// which fall outside the field grid produce NaN in all three channels of
// the corresponding output row; the output always has the same number of
// rows as the input.
func (f *DisplacementField) Transform(coords [][3]float64,
	from, to imagespace.Space) ([][3]float64, error) {

	// Transform the coordinates into the field's native reference space.
	if from != f.refSpace {
		xform, err := f.ref.Affine(from, f.refSpace)
		if err != nil {
			return nil, err
		}
		coords = affine.Transform(coords, xform)
	}

	// And into field voxels, for the displacement lookup.
	voxXform, err := f.ref.Affine(f.refSpace, imagespace.Voxel)
	if err != nil {
		return nil, err
	}
	voxels := affine.Transform(coords, voxXform)

	shape := f.FieldShape()
	absolute := f.Absolute()

	out := make([][3]float64, len(coords))
	inBounds := make([]bool, len(coords))

	for i, v := range voxels {
		x := int(math.Round(v[0]))
		y := int(math.Round(v[1]))
		z := int(math.Round(v[2]))

		if x < 0 || x >= shape[0] ||
			y < 0 || y >= shape[1] ||
			z < 0 || z >= shape[2] {
			out[i] = [3]float64{math.NaN(), math.NaN(), math.NaN()}
			continue
		}

		inBounds[i] = true
		for c := 0; c < 3; c++ {
			out[i][c] = f.data.At(x, y, z, c)
		}
		if !absolute {
			for c := 0; c < 3; c++ {
				out[i][c] += coords[i][c]
			}
		}
	}

	// The looked-up values are source coordinates in the field's native
	// source space; convert to the requested space.
	if to != f.srcSpace {
		xform, err := f.src.Affine(f.srcSpace, to)
		if err != nil {
			return nil, err
		}
		for i := range out {
			if inBounds[i] {
				out[i] = affine.TransformPoint(out[i], xform)
			}
		}
	}

	return out, nil
}

// DetectDisplacementType attempts to determine whether a displacement field
// contains absolute or relative displacements. The test assumes that a
// field containing absolute coordinates will have a greater standard
// deviation than one containing relative offsets. This is a heuristic with
// no formal guarantee - it can misclassify fields whose absolute and
// relative representations have similar spread - and is preserved unchanged
// for compatibility with stored files which rely on auto-detection.
func DetectDisplacementType(f *DisplacementField) DispType {
	relData := shiftByRefGrid(f, -1)

	n := f.FieldShape()
	nvox := n[0] * n[1] * n[2]

	sumStd := func(data *models.Volume) float64 {
		total := 0.0
		for c := 0; c < 3; c++ {
			channel := data.Data[c*nvox : (c+1)*nvox]
			total += stat.PopStdDev(channel, nil)
		}
		return total
	}

	if sumStd(f.data) > sumStd(relData) {
		return DispAbsolute
	}
	return DispRelative
}

// voxToSpaceMat returns the affine from voxel indices to the given
// coordinate system. Unlike the inverse direction, this never inverts the
// sform, so it cannot fail - even for an image with a degenerate sform.
func voxToSpaceMat(ref imagespace.ImageSpace, space imagespace.Space) *mat.Dense {
	switch space {
	case imagespace.FSL:
		return ref.VoxToFSLMat()
	case imagespace.World:
		return ref.VoxToWorldMat()
	}
	return affine.Identity(4)
}

// refGridCoords returns the coordinates of every voxel of a field grid with
// the given shape, expressed in the given coordinate system of the reference
// image. The coordinates are returned as an (X, Y, Z, 3) volume matching
// the field data layout.
func refGridCoords(ref imagespace.ImageSpace, shape [3]int,
	space imagespace.Space) *models.Volume {

	xform := voxToSpaceMat(ref, space)
	out := models.NewVolume(shape[0], shape[1], shape[2], 3)

	for z := 0; z < shape[2]; z++ {
		for y := 0; y < shape[1]; y++ {
			for x := 0; x < shape[0]; x++ {
				p := affine.TransformPoint(
					[3]float64{float64(x), float64(y), float64(z)}, xform)
				for c := 0; c < 3; c++ {
					out.Set(p[c], x, y, z, c)
				}
			}
		}
	}
	return out
}

// shiftByRefGrid adds (sign=+1) or subtracts (sign=-1) the reference grid
// coordinates, expressed in the field's reference space, to/from the field
// data. This is the common step of both directions of displacement type
// conversion.
func shiftByRefGrid(f *DisplacementField, sign float64) *models.Volume {
	grid := refGridCoords(f.ref, f.FieldShape(), f.refSpace)
	out := f.data.Copy()
	for i := range out.Data {
		out.Data[i] += sign * grid.Data[i]
	}
	return out
}

// ConvertDisplacementType converts a displacement field between absolute
// and relative representations. If dispType is DispUnknown, the target is
// the opposite of the field's current type.
func ConvertDisplacementType(f *DisplacementField, dispType DispType) (*DisplacementField, error) {
	if dispType == DispUnknown {
		if f.DisplacementType() == DispAbsolute {
			dispType = DispRelative
		} else {
			dispType = DispAbsolute
		}
	}

	// Converting relative -> absolute means adding the reference grid
	// coordinates to the offsets; absolute -> relative means subtracting.
	var data *models.Volume
	if dispType == DispAbsolute {
		data = shiftByRefGrid(f, 1)
	} else {
		data = shiftByRefGrid(f, -1)
	}

	return NewDisplacementField(
		data, f.src, f.ref, f.srcSpace, f.refSpace, dispType)
}

// ConvertDisplacementSpace re-expresses a displacement field so that it
// maps coordinates in the "from" system of the reference image to
// coordinates in the "to" system of the source image.
func ConvertDisplacementSpace(f *DisplacementField,
	from, to imagespace.Space) (*DisplacementField, error) {

	if from < imagespace.Voxel || from > imagespace.World {
		return nil, &imagespace.InvalidSpaceError{Value: from.String()}
	}
	if to < imagespace.Voxel || to > imagespace.World {
		return nil, &imagespace.InvalidSpaceError{Value: to.String()}
	}

	if f.srcSpace == to && f.refSpace == from {
		return f, nil
	}

	dispType := f.DisplacementType()
	shape := f.FieldShape()

	// Get the field as absolute source coordinates, in its native source
	// space.
	var srcCoords *models.Volume
	if dispType == DispRelative {
		srcCoords = shiftByRefGrid(f, 1)
	} else {
		srcCoords = f.data.Copy()
	}

	// Re-express those source coordinates in the new "to" space.
	if f.srcSpace != to {
		srcXform, err := f.src.Affine(f.srcSpace, to)
		if err != nil {
			return nil, err
		}
		transformChannels(srcCoords, shape, srcXform)
	}

	data := srcCoords

	// For a relative output we recompute relative displacements against the
	// reference grid expressed in the new "from" space. For an absolute
	// output the reference system is irrelevant; we are done.
	if dispType == DispRelative {
		grid := refGridCoords(f.ref, shape, from)
		for i := range data.Data {
			data.Data[i] -= grid.Data[i]
		}
	}

	return NewDisplacementField(data, f.src, f.ref, to, from, dispType)
}

// transformChannels applies an affine, in place, to the per-voxel vectors of
// an (X, Y, Z, 3) volume.
func transformChannels(vol *models.Volume, shape [3]int, xform *mat.Dense) {
	for z := 0; z < shape[2]; z++ {
		for y := 0; y < shape[1]; y++ {
			for x := 0; x < shape[0]; x++ {
				p := [3]float64{
					vol.At(x, y, z, 0),
					vol.At(x, y, z, 1),
					vol.At(x, y, z, 2),
				}
				p = affine.TransformPoint(p, xform)
				for c := 0; c < 3; c++ {
					vol.Set(p[c], x, y, z, c)
				}
			}
		}
	}
}
