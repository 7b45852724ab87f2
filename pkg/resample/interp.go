package resample

import (
	"fmt"
	"math"
	"runtime"
	"sync"

	"gonum.org/v1/gonum/mat"

	"fslwarp/internal/models"
)

// Mode selects how coordinates outside the input volume are handled during
// interpolation.
type Mode int

const (
	// ModeNearest samples the closest voxel inside the volume.
	ModeNearest Mode = iota

	// ModeConstant fills out-of-bounds samples with a constant value.
	ModeConstant

	// ModeReflect reflects the volume about the edge of its outermost
	// voxels.
	ModeReflect
)

func (m Mode) String() string {
	switch m {
	case ModeNearest:
		return "nearest"
	case ModeConstant:
		return "constant"
	case ModeReflect:
		return "reflect"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// ParseMode parses a boundary mode string.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "nearest":
		return ModeNearest, nil
	case "constant":
		return ModeConstant, nil
	case "reflect":
		return ModeReflect, nil
	}
	return 0, fmt.Errorf("invalid boundary mode: %q", s)
}

// reflectIndex maps an index into [0, n) by reflecting about the array
// edges (d c b a | a b c d | d c b a).
func reflectIndex(i, n int) int {
	if n == 1 {
		return 0
	}
	period := 2 * n
	i = ((i % period) + period) % period
	if i >= n {
		i = period - 1 - i
	}
	return i
}

// sampler reads voxels from a 3D volume with boundary handling.
type sampler struct {
	vol  *models.Volume
	mode Mode
	cval float64
}

func (s sampler) at(x, y, z int) float64 {
	nx, ny, nz := s.vol.Shape[0], s.vol.Shape[1], s.vol.Shape[2]

	switch s.mode {
	case ModeConstant:
		if x < 0 || x >= nx || y < 0 || y >= ny || z < 0 || z >= nz {
			return s.cval
		}
	case ModeReflect:
		x = reflectIndex(x, nx)
		y = reflectIndex(y, ny)
		z = reflectIndex(z, nz)
	default: // ModeNearest
		x = clamp(x, 0, nx-1)
		y = clamp(y, 0, ny-1)
		z = clamp(z, 0, nz-1)
	}
	return s.vol.At(x, y, z)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// catmullRom evaluates the Catmull-Rom cubic convolution kernel.
func catmullRom(t float64) float64 {
	t = math.Abs(t)
	switch {
	case t < 1:
		return 1.5*t*t*t - 2.5*t*t + 1
	case t < 2:
		return -0.5*t*t*t + 2.5*t*t - 4*t + 2
	}
	return 0
}

// interpolate samples the volume at a fractional voxel coordinate using the
// given spline order: 0 nearest neighbour, 1 trilinear, 3 cubic.
func (s sampler) interpolate(x, y, z float64, order int) float64 {
	if math.IsNaN(x) || math.IsNaN(y) || math.IsNaN(z) {
		return s.cval
	}

	switch order {
	case 0:
		return s.at(
			int(math.Round(x)), int(math.Round(y)), int(math.Round(z)))

	case 1:
		x0, y0, z0 := math.Floor(x), math.Floor(y), math.Floor(z)
		fx, fy, fz := x-x0, y-y0, z-z0
		ix, iy, iz := int(x0), int(y0), int(z0)

		val := 0.0
		for dz := 0; dz < 2; dz++ {
			wz := fz
			if dz == 0 {
				wz = 1 - fz
			}
			for dy := 0; dy < 2; dy++ {
				wy := fy
				if dy == 0 {
					wy = 1 - fy
				}
				for dx := 0; dx < 2; dx++ {
					wx := fx
					if dx == 0 {
						wx = 1 - fx
					}
					w := wx * wy * wz
					if w != 0 {
						val += w * s.at(ix+dx, iy+dy, iz+dz)
					}
				}
			}
		}
		return val

	default: // cubic
		x0, y0, z0 := math.Floor(x), math.Floor(y), math.Floor(z)
		ix, iy, iz := int(x0), int(y0), int(z0)

		var wx, wy, wz [4]float64
		for i := 0; i < 4; i++ {
			wx[i] = catmullRom(x - (x0 + float64(i-1)))
			wy[i] = catmullRom(y - (y0 + float64(i-1)))
			wz[i] = catmullRom(z - (z0 + float64(i-1)))
		}

		val := 0.0
		for dz := 0; dz < 4; dz++ {
			if wz[dz] == 0 {
				continue
			}
			for dy := 0; dy < 4; dy++ {
				if wy[dy] == 0 {
					continue
				}
				for dx := 0; dx < 4; dx++ {
					w := wx[dx] * wy[dy] * wz[dz]
					if w != 0 {
						val += w * s.at(ix+dx-1, iy+dy-1, iz+dz-1)
					}
				}
			}
		}
		return val
	}
}

// MapCoordinates interpolates a 3D volume at each of the given fractional
// voxel coordinates. NaN coordinates produce cval.
func MapCoordinates(vol *models.Volume, coords [][3]float64,
	order int, mode Mode, cval float64) []float64 {

	s := sampler{vol: vol, mode: mode, cval: cval}
	out := make([]float64, len(coords))

	n := len(coords)
	numWorkers := runtime.NumCPU()
	if n < 4096 || numWorkers < 2 {
		for i, c := range coords {
			out[i] = s.interpolate(c[0], c[1], c[2], order)
		}
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
			for i := lo; i < hi; i++ {
				c := coords[i]
				out[i] = s.interpolate(c[0], c[1], c[2], order)
			}
		}(lo, hi)
	}
	wg.Wait()

	return out
}

// AffineTransform resamples a 3D volume onto a grid of the given shape. The
// matrix maps output voxel coordinates to input voxel coordinates, and may
// be 4x4 or 3x4. Workers each own a disjoint range of output z slices.
func AffineTransform(vol *models.Volume, matrix *mat.Dense,
	outShape [3]int, order int, mode Mode, cval float64) *models.Volume {

	out := models.NewVolume(outShape[0], outShape[1], outShape[2])
	s := sampler{vol: vol, mode: mode, cval: cval}

	var m [3][4]float64
	for r := 0; r < 3; r++ {
		for c := 0; c < 4; c++ {
			m[r][c] = matrix.At(r, c)
		}
	}

	resampleSlices := func(zlo, zhi int) {
		for z := zlo; z < zhi; z++ {
			fz := float64(z)
			for y := 0; y < outShape[1]; y++ {
				fy := float64(y)
				for x := 0; x < outShape[0]; x++ {
					fx := float64(x)
					ix := m[0][0]*fx + m[0][1]*fy + m[0][2]*fz + m[0][3]
					iy := m[1][0]*fx + m[1][1]*fy + m[1][2]*fz + m[1][3]
					iz := m[2][0]*fx + m[2][1]*fy + m[2][2]*fz + m[2][3]
					out.Set(s.interpolate(ix, iy, iz, order), x, y, z)
				}
			}
		}
	}

	nz := outShape[2]
	numWorkers := runtime.NumCPU()
	if numWorkers > nz {
		numWorkers = nz
	}
	if numWorkers < 2 {
		resampleSlices(0, nz)
		return out
	}

	perWorker := (nz + numWorkers - 1) / numWorkers
	var wg sync.WaitGroup
	for w := 0; w < numWorkers; w++ {
		lo := w * perWorker
		hi := lo + perWorker
		if lo >= nz {
			break
		}
		if hi > nz {
			hi = nz
		}
		wg.Add(1)
		go func(lo, hi int) {
			defer wg.Done()
			resampleSlices(lo, hi)
		}(lo, hi)
	}
	wg.Wait()

	return out
}

// GaussianFilter smooths a volume with an axis-aligned Gaussian kernel,
// one sigma per axis. Axes with sigma zero are left untouched. Boundaries
// are handled by reflection. The kernel is truncated at four standard
// deviations.
func GaussianFilter(vol *models.Volume, sigma []float64) *models.Volume {
	out := vol.Copy()

	for axis, s := range sigma {
		if axis >= vol.NDim() || s <= 0 {
			continue
		}
		out = convolveAxis(out, axis, gaussianKernel(s))
	}
	return out
}

func gaussianKernel(sigma float64) []float64 {
	radius := int(4*sigma + 0.5)
	kernel := make([]float64, 2*radius+1)

	sum := 0.0
	for i := -radius; i <= radius; i++ {
		v := math.Exp(-0.5 * float64(i) * float64(i) / (sigma * sigma))
		kernel[i+radius] = v
		sum += v
	}
	for i := range kernel {
		kernel[i] /= sum
	}
	return kernel
}

// convolveAxis convolves every line of the volume along the given axis with
// the given odd-length kernel, reflecting at the edges.
func convolveAxis(vol *models.Volume, axis int, kernel []float64) *models.Volume {
	out := models.NewVolume(vol.Shape...)

	n := vol.Shape[axis]
	stride := vol.Stride(axis)
	radius := len(kernel) / 2

	for idx := range vol.Data {
		c := (idx / stride) % n

		val := 0.0
		for k := -radius; k <= radius; k++ {
			cc := reflectIndex(c+k, n)
			val += kernel[k+radius] * vol.Data[idx+(cc-c)*stride]
		}
		out.Data[idx] = val
	}
	return out
}
