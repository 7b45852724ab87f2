// Package imagespace models the coordinate systems associated with a NIfTI
// image: voxel indices, FSL "scaled voxel" coordinates, and world
// coordinates. The transform engine consumes these via the ImageSpace
// descriptor, which is a value-type snapshot of an image's geometry - it
// never aliases a live image.
package imagespace

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"fslwarp/pkg/affine"
)

// Space identifies one of the three coordinate systems an image defines.
type Space int

const (
	// Voxel is the raw voxel index coordinate system.
	Voxel Space = iota

	// FSL is the scaled-voxel coordinate system: voxel indices scaled by
	// pixdims, with the X axis inverted if the image sform has a positive
	// determinant.
	FSL

	// World is the sform-mapped scanner coordinate system.
	World
)

func (s Space) String() string {
	switch s {
	case Voxel:
		return "voxel"
	case FSL:
		return "fsl"
	case World:
		return "world"
	}
	return fmt.Sprintf("Space(%d)", int(s))
}

// InvalidSpaceError is returned when a coordinate space tag is not one of
// voxel, fsl or world.
type InvalidSpaceError struct {
	Value string
}

func (e *InvalidSpaceError) Error() string {
	return fmt.Sprintf("invalid coordinate space: %q", e.Value)
}

// ParseSpace parses a coordinate space tag. Unknown tags are rejected here,
// at the boundary, rather than propagated as strings.
func ParseSpace(s string) (Space, error) {
	switch s {
	case "voxel":
		return Voxel, nil
	case "fsl":
		return FSL, nil
	case "world":
		return World, nil
	}
	return 0, &InvalidSpaceError{Value: s}
}

// ImageSpace is an immutable snapshot of the geometry of a 3D image: its
// spatial shape, voxel sizes, and voxel-to-world (sform) affine. It provides
// the affine between any pair of the image's coordinate systems.
type ImageSpace struct {
	Shape  [3]int
	Pixdim [3]float64

	voxToWorld *mat.Dense
}

// New creates an ImageSpace. The voxel-to-world affine is copied; if nil, a
// pixdim-scaling affine is used in its place.
func New(shape [3]int, pixdim [3]float64, voxToWorld *mat.Dense) ImageSpace {
	var v2w *mat.Dense
	if voxToWorld == nil {
		v2w = affine.ScaleOffsetXform(pixdim[:], nil)
	} else {
		v2w = mat.DenseCopyOf(voxToWorld)
	}
	return ImageSpace{Shape: shape, Pixdim: pixdim, voxToWorld: v2w}
}

// VoxToWorldMat returns a copy of the voxel-to-world affine.
func (s ImageSpace) VoxToWorldMat() *mat.Dense {
	return mat.DenseCopyOf(s.voxToWorld)
}

// WorldToVoxMat returns the inverse of the voxel-to-world affine.
func (s ImageSpace) WorldToVoxMat() (*mat.Dense, error) {
	return affine.Invert(s.voxToWorld)
}

// IsNeurological reports whether the image is stored in neurological
// orientation, i.e. whether the voxel-to-world affine has a positive
// determinant.
func (s ImageSpace) IsNeurological() bool {
	return mat.Det(s.voxToWorld) > 0
}

// VoxToFSLMat returns the affine from voxel indices to FSL scaled-voxel
// coordinates: scaling by pixdims, with an X axis flip for neurological
// images.
func (s ImageSpace) VoxToFSLMat() *mat.Dense {
	v2f := affine.ScaleOffsetXform(s.Pixdim[:], nil)
	if s.IsNeurological() {
		flipX := s.Pixdim[0] * float64(s.Shape[0]-1)
		flip := affine.ScaleOffsetXform(
			[]float64{-1, 1, 1},
			[]float64{flipX, 0, 0})
		v2f = affine.Concat(flip, v2f)
	}
	return v2f
}

// FSLToVoxMat returns the affine from FSL scaled-voxel coordinates to voxel
// indices.
func (s ImageSpace) FSLToVoxMat() (*mat.Dense, error) {
	return affine.Invert(s.VoxToFSLMat())
}

// Affine returns the affine from one of the image's coordinate systems to
// another.
func (s ImageSpace) Affine(from, to Space) (*mat.Dense, error) {
	if from < Voxel || from > World {
		return nil, &InvalidSpaceError{Value: from.String()}
	}
	if to < Voxel || to > World {
		return nil, &InvalidSpaceError{Value: to.String()}
	}

	if from == to {
		return affine.Identity(4), nil
	}

	switch {
	case from == Voxel && to == World:
		return s.VoxToWorldMat(), nil
	case from == World && to == Voxel:
		return s.WorldToVoxMat()
	case from == Voxel && to == FSL:
		return s.VoxToFSLMat(), nil
	case from == FSL && to == Voxel:
		return s.FSLToVoxMat()
	case from == FSL && to == World:
		f2v, err := s.FSLToVoxMat()
		if err != nil {
			return nil, err
		}
		return affine.Concat(s.voxToWorld, f2v), nil
	default: // World -> FSL
		w2v, err := s.WorldToVoxMat()
		if err != nil {
			return nil, err
		}
		return affine.Concat(s.VoxToFSLMat(), w2v), nil
	}
}

// SameSpace reports whether two images have equivalent geometry: equal
// shapes, and pixdims and voxel-to-world affines equal within a small
// tolerance.
func SameSpace(a, b ImageSpace) bool {
	const tol = 1e-6
	if a.Shape != b.Shape {
		return false
	}
	for i := 0; i < 3; i++ {
		if diff := a.Pixdim[i] - b.Pixdim[i]; diff > tol || diff < -tol {
			return false
		}
	}
	return mat.EqualApprox(a.voxToWorld, b.voxToWorld, tol)
}
