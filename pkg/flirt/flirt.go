// Package flirt reads, writes and converts FLIRT affine transformation
// matrices. A FLIRT matrix is a 4x4 affine encoding a transformation from
// source image FSL coordinates to reference image FSL coordinates.
package flirt

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"

	"fslwarp/pkg/affine"
	"fslwarp/pkg/imagespace"
)

// Read reads a FLIRT matrix from a file.
func Read(fname string) (*mat.Dense, error) {
	f, err := os.Open(fname)
	if err != nil {
		return nil, fmt.Errorf("error reading FLIRT matrix: %w", err)
	}
	defer f.Close()
	return Decode(f)
}

// Decode reads a FLIRT matrix: four rows of four whitespace-separated
// values.
func Decode(r io.Reader) (*mat.Dense, error) {
	var vals []float64

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		for _, tok := range strings.Fields(scanner.Text()) {
			v, err := strconv.ParseFloat(tok, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid FLIRT matrix value %q: %w", tok, err)
			}
			vals = append(vals, v)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading FLIRT matrix: %w", err)
	}
	if len(vals) != 16 {
		return nil, fmt.Errorf("FLIRT matrix must contain 16 values, got %d", len(vals))
	}

	return mat.NewDense(4, 4, vals), nil
}

// Write writes a FLIRT matrix to a file.
func Write(xform *mat.Dense, fname string) error {
	f, err := os.Create(fname)
	if err != nil {
		return fmt.Errorf("error writing FLIRT matrix: %w", err)
	}
	defer f.Close()
	return Encode(xform, f)
}

// Encode writes a FLIRT matrix as four rows of four values.
func Encode(xform *mat.Dense, w io.Writer) error {
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			sep := " "
			if c == 3 {
				sep = "\n"
			}
			if _, err := fmt.Fprintf(w, "%.15g%s", xform.At(r, c), sep); err != nil {
				return fmt.Errorf("error writing FLIRT matrix: %w", err)
			}
		}
	}
	return nil
}

// FromFlirt converts a FLIRT matrix into an affine which transforms
// coordinates from the source image "from" coordinate system into the
// reference image "to" coordinate system.
func FromFlirt(xform *mat.Dense, src, ref imagespace.ImageSpace,
	from, to imagespace.Space) (*mat.Dense, error) {

	premat, err := src.Affine(from, imagespace.FSL)
	if err != nil {
		return nil, err
	}
	postmat, err := ref.Affine(imagespace.FSL, to)
	if err != nil {
		return nil, err
	}
	return affine.Concat(postmat, xform, premat), nil
}

// ToFlirt converts an affine, which transforms coordinates from the source
// image "from" coordinate system into the reference image "to" coordinate
// system, into a FLIRT matrix.
func ToFlirt(xform *mat.Dense, src, ref imagespace.ImageSpace,
	from, to imagespace.Space) (*mat.Dense, error) {

	premat, err := src.Affine(imagespace.FSL, from)
	if err != nil {
		return nil, err
	}
	postmat, err := ref.Affine(to, imagespace.FSL)
	if err != nil {
		return nil, err
	}
	return affine.Concat(postmat, xform, premat), nil
}

// MatrixToSform converts a FLIRT matrix into a transformation from source
// image voxel coordinates to reference image world coordinates.
func MatrixToSform(flirtMat *mat.Dense, src, ref imagespace.ImageSpace) (*mat.Dense, error) {
	return FromFlirt(flirtMat, src, ref, imagespace.Voxel, imagespace.World)
}

// SformToMatrix calculates a FLIRT matrix from the source to the reference
// image, under the assumption that the two images share a common world
// coordinate system. The resulting matrix can be used to resample the
// source image into the reference grid. srcXform may replace the source
// image's own voxel-to-world affine; pass nil to use it.
func SformToMatrix(src, ref imagespace.ImageSpace, srcXform *mat.Dense) (*mat.Dense, error) {
	srcScaledVoxToVox, err := src.FSLToVoxMat()
	if err != nil {
		return nil, err
	}
	refWorldToVox, err := ref.WorldToVoxMat()
	if err != nil {
		return nil, err
	}

	srcVoxToWorld := src.VoxToWorldMat()
	if srcXform != nil {
		srcVoxToWorld = srcXform
	}

	return affine.Concat(ref.VoxToFSLMat(),
		refWorldToVox,
		srcVoxToWorld,
		srcScaledVoxToVox), nil
}
