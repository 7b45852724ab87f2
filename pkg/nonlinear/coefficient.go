package nonlinear

import (
	"fmt"
	"math"
	"runtime"
	"sync"

	"gonum.org/v1/gonum/mat"

	"fslwarp/internal/models"
	"fslwarp/pkg/affine"
	"fslwarp/pkg/imagespace"
)

// FieldType describes the spline model of a coefficient field.
type FieldType int

const (
	// FieldCubic is a cubic B-spline coefficient field. This is the only
	// model supported for displacement evaluation.
	FieldCubic FieldType = iota

	// FieldQuadratic is named for completeness; quadratic fields cannot be
	// evaluated and are rejected at construction.
	FieldQuadratic
)

func (t FieldType) String() string {
	switch t {
	case FieldCubic:
		return "cubic"
	case FieldQuadratic:
		return "quadratic"
	}
	return fmt.Sprintf("FieldType(%d)", int(t))
}

// InvalidFieldTypeError is returned when a CoefficientField is constructed
// with an unsupported field type.
type InvalidFieldTypeError struct {
	Type FieldType
}

func (e *InvalidFieldTypeError) Error() string {
	return fmt.Sprintf("unsupported coefficient field type: %s", e.Type)
}

type dispCacheKey struct {
	dispType DispType
	premat   bool
}

// CoefficientField is a transform which stores cubic B-spline control point
// coefficients on a grid coarser than the reference image, and evaluates
// relative displacements on demand.
type CoefficientField struct {
	field

	fieldType   FieldType
	knotSpacing [3]float64

	// srcToRefMat is an optional initial linear alignment from the source
	// to the reference (the FNIRT "premat"); nil if there is none.
	srcToRefMat *mat.Dense

	// fieldToRefMat maps coefficient grid coordinates to reference image
	// voxel coordinates; refToFieldMat is its cached inverse.
	fieldToRefMat *mat.Dense
	refToFieldMat *mat.Dense

	mu        sync.Mutex
	dispCache map[dispCacheKey]*DisplacementField
}

// NewCoefficientField creates a CoefficientField. Only cubic fields are
// supported; any other field type fails fast with an
// InvalidFieldTypeError. srcToRefMat may be nil. fieldToRefMat must be
// invertible.
func NewCoefficientField(data *models.Volume,
	src, ref imagespace.ImageSpace,
	srcSpace, refSpace imagespace.Space,
	fieldType FieldType,
	knotSpacing [3]float64,
	srcToRefMat, fieldToRefMat *mat.Dense) (*CoefficientField, error) {

	if fieldType != FieldCubic {
		return nil, &InvalidFieldTypeError{Type: fieldType}
	}

	base, err := newField(data, src, ref, srcSpace, refSpace)
	if err != nil {
		return nil, err
	}

	refToFieldMat, err := affine.Invert(fieldToRefMat)
	if err != nil {
		return nil, fmt.Errorf("field-to-reference affine: %w", err)
	}

	f := &CoefficientField{
		field:         base,
		fieldType:     fieldType,
		knotSpacing:   knotSpacing,
		fieldToRefMat: mat.DenseCopyOf(fieldToRefMat),
		refToFieldMat: refToFieldMat,
		dispCache:     make(map[dispCacheKey]*DisplacementField),
	}
	if srcToRefMat != nil {
		f.srcToRefMat = mat.DenseCopyOf(srcToRefMat)
	}
	return f, nil
}

// FieldType returns the spline model of the field.
func (f *CoefficientField) FieldType() FieldType { return f.fieldType }

// KnotSpacing returns the control point spacing, in reference image voxels.
func (f *CoefficientField) KnotSpacing() [3]float64 { return f.knotSpacing }

// SrcToRefMat returns a copy of the initial source-to-reference affine, or
// nil if the field does not carry one.
func (f *CoefficientField) SrcToRefMat() *mat.Dense {
	if f.srcToRefMat == nil {
		return nil
	}
	return mat.DenseCopyOf(f.srcToRefMat)
}

// FieldToRefMat returns a copy of the affine mapping coefficient grid
// coordinates to reference image voxel coordinates.
func (f *CoefficientField) FieldToRefMat() *mat.Dense {
	return mat.DenseCopyOf(f.fieldToRefMat)
}

// RefToFieldMat returns a copy of the affine mapping reference image voxel
// coordinates to coefficient grid coordinates.
func (f *CoefficientField) RefToFieldMat() *mat.Dense {
	return mat.DenseCopyOf(f.refToFieldMat)
}

// bspline evaluates one of the four uniform cubic B-spline basis functions
// at u, which must lie in [0, 1).
func bspline(u float64, idx int) float64 {
	switch idx {
	case 0:
		v := 1 - u
		return v * v * v / 6
	case 1:
		return (3*u*u*u - 6*u*u + 4) / 6
	case 2:
		return (-3*u*u*u + 3*u*u + 3*u + 1) / 6
	default:
		return u * u * u / 6
	}
}

// Displacements evaluates the spline at the given reference image voxel
// coordinates, returning one relative displacement vector per coordinate.
// Each coordinate is mapped into the coefficient grid, and the weighted sum
// of its 4x4x4 neighbouring control points is accumulated; neighbours which
// fall outside the coefficient grid contribute zero. Boundary control
// points are neither reflected nor clamped, so displacements close to the
// field edges are slightly biased towards zero, matching fnirtfileutils.
func (f *CoefficientField) Displacements(refVoxCoords [][3]float64) [][3]float64 {
	out := make([][3]float64, len(refVoxCoords))

	nx := f.data.Shape[0]
	ny := f.data.Shape[1]
	nz := f.data.Shape[2]

	eval := func(lo, hi int) {
		for i := lo; i < hi; i++ {
			fc := affine.TransformPoint(refVoxCoords[i], f.refToFieldMat)

			fi := math.Floor(fc[0])
			fj := math.Floor(fc[1])
			fk := math.Floor(fc[2])

			ci, cj, ck := int(fi), int(fj), int(fk)
			u, v, w := fc[0]-fi, fc[1]-fj, fc[2]-fk

			var bu, bv, bw [4]float64
			for l := 0; l < 4; l++ {
				bu[l] = bspline(u, l)
				bv[l] = bspline(v, l)
				bw[l] = bspline(w, l)
			}

			var disp [3]float64
			for l := 0; l < 4; l++ {
				x := ci + l
				if x < 0 || x >= nx {
					continue
				}
				for m := 0; m < 4; m++ {
					y := cj + m
					if y < 0 || y >= ny {
						continue
					}
					for n := 0; n < 4; n++ {
						z := ck + n
						if z < 0 || z >= nz {
							continue
						}
						b := bu[l] * bv[m] * bw[n]
						for c := 0; c < 3; c++ {
							disp[c] += b * f.data.At(x, y, z, c)
						}
					}
				}
			}
			out[i] = disp
		}
	}

	// Evaluation is embarrassingly parallel; split the coordinates into
	// disjoint ranges, one worker per CPU.
	n := len(refVoxCoords)
	numWorkers := runtime.NumCPU()
	if n < 4096 || numWorkers < 2 {
		eval(0, n)
		return out
	}

	perWorker := (n + numWorkers - 1) / numWorkers
	var wg sync.WaitGroup
	for w := 0; w < numWorkers; w++ {
		lo := w * perWorker
		hi := lo + perWorker
		if lo >= n {
			break
		}
		if hi > n {
			hi = n
		}
		wg.Add(1)
		go func(lo, hi int) {
			defer wg.Done()
			eval(lo, hi)
		}(lo, hi)
	}
	wg.Wait()

	return out
}

// AsDisplacementField converts the coefficient field into a dense
// DisplacementField, evaluating the spline at every reference voxel. The
// result is memoized per (dispType, premat) combination; concurrent callers
// share the cache.
func (f *CoefficientField) AsDisplacementField(dispType DispType, premat bool) (*DisplacementField, error) {
	if dispType == DispUnknown {
		dispType = DispRelative
	}

	key := dispCacheKey{dispType: dispType, premat: premat}

	f.mu.Lock()
	defer f.mu.Unlock()

	if cached, ok := f.dispCache[key]; ok {
		return cached, nil
	}

	df, err := CoefficientFieldToDisplacementField(f, dispType, premat)
	if err != nil {
		return nil, err
	}

	f.dispCache[key] = df
	return df, nil
}

// Transform maps the given reference image coordinates into source image
// coordinates, including the field's initial linear alignment if it has
// one. It delegates to the memoized displacement field conversion.
func (f *CoefficientField) Transform(coords [][3]float64,
	from, to imagespace.Space) ([][3]float64, error) {
	return f.TransformWithPremat(coords, from, to, true)
}

// TransformWithPremat is Transform with control over whether the initial
// linear alignment is applied.
func (f *CoefficientField) TransformWithPremat(coords [][3]float64,
	from, to imagespace.Space, premat bool) ([][3]float64, error) {

	df, err := f.AsDisplacementField(DispRelative, premat)
	if err != nil {
		return nil, err
	}
	return df.Transform(coords, from, to)
}

// CoefficientFieldToDisplacementField evaluates a coefficient field at
// every reference image voxel, producing a dense displacement field.
//
// If premat is true and the field carries an initial source-to-reference
// affine, its effect is folded into the displacements so that the result
// maps to the original source space rather than the aligned source space.
// This is done the way fnirtfileutils does it: the reference grid
// coordinates are transformed through the inverse of the premat, and the
// difference is added to the relative displacements. The alternative
// convention - applying the inverse to the absolute displaced coordinates -
// is deliberately not used.
func CoefficientFieldToDisplacementField(f *CoefficientField,
	dispType DispType, premat bool) (*DisplacementField, error) {

	if dispType == DispUnknown {
		dispType = DispRelative
	}

	shape := f.ref.Shape

	coords := make([][3]float64, shape[0]*shape[1]*shape[2])
	i := 0
	for z := 0; z < shape[2]; z++ {
		for y := 0; y < shape[1]; y++ {
			for x := 0; x < shape[0]; x++ {
				coords[i] = [3]float64{float64(x), float64(y), float64(z)}
				i++
			}
		}
	}

	disps := f.Displacements(coords)

	data := models.NewVolume(shape[0], shape[1], shape[2], 3)
	i = 0
	for z := 0; z < shape[2]; z++ {
		for y := 0; y < shape[1]; y++ {
			for x := 0; x < shape[0]; x++ {
				for c := 0; c < 3; c++ {
					data.Set(disps[i][c], x, y, z, c)
				}
				i++
			}
		}
	}

	if premat && f.srcToRefMat != nil {
		refToSrc, err := affine.Invert(f.srcToRefMat)
		if err != nil {
			return nil, fmt.Errorf("source-to-reference affine: %w", err)
		}

		grid := refGridCoords(f.ref, shape, f.refSpace)

		for z := 0; z < shape[2]; z++ {
			for y := 0; y < shape[1]; y++ {
				for x := 0; x < shape[0]; x++ {
					g := [3]float64{
						grid.At(x, y, z, 0),
						grid.At(x, y, z, 1),
						grid.At(x, y, z, 2),
					}
					p := affine.TransformPoint(g, refToSrc)
					for c := 0; c < 3; c++ {
						data.Set(data.At(x, y, z, c)+p[c]-g[c], x, y, z, c)
					}
				}
			}
		}
	}

	df, err := NewDisplacementField(
		data, f.src, f.ref, f.srcSpace, f.refSpace, DispRelative)
	if err != nil {
		return nil, err
	}

	if dispType == DispAbsolute {
		return ConvertDisplacementType(df, DispAbsolute)
	}
	return df, nil
}
