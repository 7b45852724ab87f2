package imagespace

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"fslwarp/pkg/affine"
)

// neuro is a 4x4x4 image stored in neurological orientation (positive
// sform determinant); radio is its radiological counterpart.
func neuro() ImageSpace {
	return New(
		[3]int{4, 4, 4},
		[3]float64{2, 2, 2},
		affine.ScaleOffsetXform([]float64{2, 2, 2}, []float64{10, 20, 30}))
}

func radio() ImageSpace {
	return New(
		[3]int{4, 4, 4},
		[3]float64{2, 2, 2},
		affine.ScaleOffsetXform([]float64{-2, 2, 2}, []float64{10, 20, 30}))
}

// TestParseSpace verifies coordinate space tag parsing
func TestParseSpace(t *testing.T) {
	for s, want := range map[string]Space{
		"voxel": Voxel,
		"fsl":   FSL,
		"world": World,
	} {
		got, err := ParseSpace(s)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := ParseSpace("scanner")
	require.Error(t, err)

	var serr *InvalidSpaceError
	assert.ErrorAs(t, err, &serr)
}

// TestNewDefaultsToPixdims verifies that a nil sform falls back to a
// pixdim scaling affine
func TestNewDefaultsToPixdims(t *testing.T) {
	s := New([3]int{4, 4, 4}, [3]float64{1, 2, 3}, nil)

	expect := affine.ScaleOffsetXform([]float64{1, 2, 3}, nil)
	assert.True(t, mat.Equal(s.VoxToWorldMat(), expect))
}

// TestIsNeurological verifies orientation detection from the sform
// determinant
func TestIsNeurological(t *testing.T) {
	assert.True(t, neuro().IsNeurological())
	assert.False(t, radio().IsNeurological())
}

// TestVoxToFSLMat verifies that FSL coordinates are pixdim-scaled voxels,
// with the x axis inverted for neurological images
func TestVoxToFSLMat(t *testing.T) {
	// Radiological: a pure pixdim scaling.
	v2f := radio().VoxToFSLMat()
	p := affine.TransformPoint([3]float64{1, 1, 1}, v2f)
	assert.InDelta(t, 2.0, p[0], 1e-9)
	assert.InDelta(t, 2.0, p[1], 1e-9)
	assert.InDelta(t, 2.0, p[2], 1e-9)

	// Neurological: x' = pixdim_x * (shape_x - 1) - pixdim_x * x.
	v2f = neuro().VoxToFSLMat()
	p = affine.TransformPoint([3]float64{0, 0, 0}, v2f)
	assert.InDelta(t, 6.0, p[0], 1e-9)
	p = affine.TransformPoint([3]float64{3, 1, 2}, v2f)
	assert.InDelta(t, 0.0, p[0], 1e-9)
	assert.InDelta(t, 2.0, p[1], 1e-9)
	assert.InDelta(t, 4.0, p[2], 1e-9)
}

// TestAffinePairs verifies that every from/to pair composes with its
// reverse to the identity
func TestAffinePairs(t *testing.T) {
	spaces := []Space{Voxel, FSL, World}

	for _, img := range []ImageSpace{neuro(), radio()} {
		for _, from := range spaces {
			for _, to := range spaces {
				fwd, err := img.Affine(from, to)
				require.NoError(t, err)
				rev, err := img.Affine(to, from)
				require.NoError(t, err)

				prod := affine.Concat(rev, fwd)
				assert.True(t,
					mat.EqualApprox(prod, affine.Identity(4), 1e-9),
					"%s->%s did not invert cleanly", from, to)
			}
		}
	}
}

// TestAffineConsistency verifies that going voxel->world directly agrees
// with going voxel->fsl->world
func TestAffineConsistency(t *testing.T) {
	img := neuro()

	direct, err := img.Affine(Voxel, World)
	require.NoError(t, err)

	v2f, err := img.Affine(Voxel, FSL)
	require.NoError(t, err)
	f2w, err := img.Affine(FSL, World)
	require.NoError(t, err)

	assert.True(t, mat.EqualApprox(direct, affine.Concat(f2w, v2f), 1e-9))
}

// TestSameSpace verifies geometry comparison
func TestSameSpace(t *testing.T) {
	assert.True(t, SameSpace(neuro(), neuro()))
	assert.False(t, SameSpace(neuro(), radio()))

	other := New([3]int{4, 4, 5}, [3]float64{2, 2, 2}, nil)
	assert.False(t, SameSpace(neuro(), other))
}
