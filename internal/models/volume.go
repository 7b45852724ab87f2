package models

import (
	"fmt"
	"math"
)

// Volume is an N-dimensional array of float64 voxel values stored as a 1D
// slice. The first axis varies fastest (NIfTI storage order), so for a 3D
// volume the value at (x, y, z) lives at x + nx*(y + ny*z).
type Volume struct {
	// Data is the voxel data as a flat array
	Data []float64

	// Shape is the length of each axis
	Shape []int

	// strides[i] is the flat-index step for a unit move along axis i
	strides []int
}

// NewVolume allocates a zero-filled volume with the given shape.
func NewVolume(shape ...int) *Volume {
	n := 1
	for _, s := range shape {
		n *= s
	}
	v := &Volume{
		Data:  make([]float64, n),
		Shape: append([]int{}, shape...),
	}
	v.computeStrides()
	return v
}

// NewVolumeFrom wraps an existing data slice. The slice is owned by the
// returned volume and must have length equal to the product of the shape.
func NewVolumeFrom(data []float64, shape ...int) (*Volume, error) {
	n := 1
	for _, s := range shape {
		n *= s
	}
	if len(data) != n {
		return nil, fmt.Errorf("data length %d does not match shape %v", len(data), shape)
	}
	v := &Volume{
		Data:  data,
		Shape: append([]int{}, shape...),
	}
	v.computeStrides()
	return v, nil
}

func (v *Volume) computeStrides() {
	v.strides = make([]int, len(v.Shape))
	stride := 1
	for i := range v.Shape {
		v.strides[i] = stride
		stride *= v.Shape[i]
	}
}

// NDim returns the number of axes.
func (v *Volume) NDim() int { return len(v.Shape) }

// Stride returns the flat-index step for a unit move along the given axis.
func (v *Volume) Stride(axis int) int { return v.strides[axis] }

// Len returns the total number of elements.
func (v *Volume) Len() int { return len(v.Data) }

// Index returns the flat index of the given coordinates.
func (v *Volume) Index(coords ...int) int {
	idx := 0
	for i, c := range coords {
		idx += c * v.strides[i]
	}
	return idx
}

// At returns the value at the given coordinates.
func (v *Volume) At(coords ...int) float64 {
	return v.Data[v.Index(coords...)]
}

// Set stores a value at the given coordinates.
func (v *Volume) Set(val float64, coords ...int) {
	v.Data[v.Index(coords...)] = val
}

// Copy returns a deep copy of the volume.
func (v *Volume) Copy() *Volume {
	out := NewVolume(v.Shape...)
	copy(out.Data, v.Data)
	return out
}

// SameShape reports whether the volume has exactly the given shape.
func (v *Volume) SameShape(shape []int) bool {
	if len(v.Shape) != len(shape) {
		return false
	}
	for i := range shape {
		if v.Shape[i] != shape[i] {
			return false
		}
	}
	return true
}

// SubVolume returns the 3D frame at the given trailing indices of a volume
// with more than three axes. The returned volume shares no storage with v.
func (v *Volume) SubVolume(trailing ...int) (*Volume, error) {
	if len(trailing) != v.NDim()-3 {
		return nil, fmt.Errorf("expected %d trailing indices, got %d", v.NDim()-3, len(trailing))
	}
	out := NewVolume(v.Shape[0], v.Shape[1], v.Shape[2])
	base := 0
	for i, t := range trailing {
		base += t * v.strides[3+i]
	}
	n := v.Shape[0] * v.Shape[1] * v.Shape[2]
	copy(out.Data, v.Data[base:base+n])
	return out, nil
}

// SetSubVolume stores a 3D frame at the given trailing indices.
func (v *Volume) SetSubVolume(sub *Volume, trailing ...int) error {
	if len(trailing) != v.NDim()-3 {
		return fmt.Errorf("expected %d trailing indices, got %d", v.NDim()-3, len(trailing))
	}
	base := 0
	for i, t := range trailing {
		base += t * v.strides[3+i]
	}
	n := v.Shape[0] * v.Shape[1] * v.Shape[2]
	copy(v.Data[base:base+n], sub.Data)
	return nil
}

// Fill sets every element to the given value.
func (v *Volume) Fill(val float64) {
	for i := range v.Data {
		v.Data[i] = val
	}
}

// AllClose reports whether two volumes have the same shape and element-wise
// agree within the given tolerance. NaNs compare equal to NaNs.
func (v *Volume) AllClose(other *Volume, tol float64) bool {
	if !v.SameShape(other.Shape) {
		return false
	}
	for i := range v.Data {
		a, b := v.Data[i], other.Data[i]
		if math.IsNaN(a) || math.IsNaN(b) {
			if math.IsNaN(a) != math.IsNaN(b) {
				return false
			}
			continue
		}
		if math.Abs(a-b) > tol {
			return false
		}
	}
	return true
}
