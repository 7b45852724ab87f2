// Package nifti reads and writes NIfTI-1 images (.nii and .nii.gz). It
// supplies the image metadata and voxel data consumed by the transform
// engine and the command line tools; it does not attempt to cover the full
// NIfTI specification.
package nifti

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"gonum.org/v1/gonum/mat"

	"fslwarp/internal/models"
	"fslwarp/pkg/affine"
	"fslwarp/pkg/imagespace"
)

// NIfTI-1 datatype codes.
const (
	DTUint8   = 2
	DTInt16   = 4
	DTInt32   = 8
	DTFloat32 = 16
	DTFloat64 = 64
)

const headerSize = 348

// header is the on-disk NIfTI-1 header layout.
//
// Type translation from the C header: int -> int32, float -> float32,
// short -> int16, char -> int8.
type header struct {
	SizeOfHdr          int32
	UnusedDataType     [10]int8
	UnusedDbName       [18]int8
	UnusedExtents      int32
	UnusedSessionError int16
	UnusedRegular      int8
	DimInfo            int8

	Dim           [8]int16
	IntentP1      float32
	IntentP2      float32
	IntentP3      float32
	IntentCode    int16
	DataType      int16
	BitPix        int16
	SliceStart    int16
	PixDim        [8]float32
	VoxOffset     float32
	SclSlope      float32
	SclInter      float32
	SliceEnd      int16
	SliceCode     int8
	XYZTUnits     int8
	CalMax        float32
	CalMin        float32
	SliceDuration float32
	TOffset       float32
	UnusedGlmax   int32
	UnusedGlmin   int32

	Descrip [80]int8
	AuxFile [24]int8

	QFormCode int16
	SFormCode int16

	QuaternB float32
	QuaternC float32
	QuaternD float32
	QOffsetX float32
	QOffsetY float32
	QOffsetZ float32

	SRowX [4]float32
	SRowY [4]float32
	SRowZ [4]float32

	IntentName [16]int8

	Magic [4]int8
}

// Image is a loaded NIfTI image: its spatial geometry, intent code, and
// voxel data scaled to float64.
type Image struct {
	Shape  []int
	Pixdim []float64
	Intent int

	// VoxToWorld is the sform affine, or a pixdim scaling matrix if the
	// file does not define an sform.
	VoxToWorld *mat.Dense

	Data *models.Volume
}

// Space returns the spatial geometry of the image as an ImageSpace
// snapshot.
func (img *Image) Space() imagespace.ImageSpace {
	var shape [3]int
	var pixdim [3]float64
	for i := 0; i < 3; i++ {
		shape[i] = img.Shape[i]
		pixdim[i] = img.Pixdim[i]
	}
	return imagespace.New(shape, pixdim, img.VoxToWorld)
}

// Load reads a NIfTI-1 image from a .nii or .nii.gz file.
func Load(fname string) (*Image, error) {
	f, err := os.Open(fname)
	if err != nil {
		return nil, fmt.Errorf("error opening %s: %w", fname, err)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(fname, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("error decompressing %s: %w", fname, err)
		}
		defer gz.Close()
		r = gz
	}

	img, err := Decode(r)
	if err != nil {
		return nil, fmt.Errorf("error reading %s: %w", fname, err)
	}
	return img, nil
}

// Decode reads a NIfTI-1 image from a stream.
func Decode(r io.Reader) (*Image, error) {
	raw := make([]byte, headerSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("error reading header: %w", err)
	}

	// Endianness is detected from the header size field, which must
	// decode to 348.
	var order binary.ByteOrder = binary.LittleEndian
	if int32(binary.LittleEndian.Uint32(raw[:4])) != headerSize {
		if int32(binary.BigEndian.Uint32(raw[:4])) != headerSize {
			return nil, fmt.Errorf("not a NIfTI-1 file (header size %d)",
				binary.LittleEndian.Uint32(raw[:4]))
		}
		order = binary.BigEndian
	}

	var hdr header
	if err := binary.Read(bytes.NewReader(raw), order, &hdr); err != nil {
		return nil, fmt.Errorf("error parsing header: %w", err)
	}

	ndim := int(hdr.Dim[0])
	if ndim < 3 || ndim > 7 {
		return nil, fmt.Errorf("unsupported number of dimensions: %d", ndim)
	}

	shape := make([]int, ndim)
	pixdim := make([]float64, ndim)
	nvox := 1
	for i := 0; i < ndim; i++ {
		shape[i] = int(hdr.Dim[i+1])
		pixdim[i] = float64(hdr.PixDim[i+1])
		nvox *= shape[i]
	}

	// Skip to the start of the voxel data.
	offset := int64(hdr.VoxOffset)
	if offset < headerSize {
		offset = headerSize + 4
	}
	if _, err := io.CopyN(io.Discard, r, offset-headerSize); err != nil {
		return nil, fmt.Errorf("error seeking to voxel data: %w", err)
	}

	data, err := readVoxels(r, order, int(hdr.DataType), nvox)
	if err != nil {
		return nil, err
	}

	// Apply the data scaling, when the file defines one.
	slope := float64(hdr.SclSlope)
	inter := float64(hdr.SclInter)
	if slope != 0 && !(slope == 1 && inter == 0) {
		for i := range data {
			data[i] = data[i]*slope + inter
		}
	}

	vol, err := models.NewVolumeFrom(data, shape...)
	if err != nil {
		return nil, err
	}

	img := &Image{
		Shape:  shape,
		Pixdim: pixdim,
		Intent: int(hdr.IntentCode),
		Data:   vol,
	}

	if hdr.SFormCode > 0 {
		img.VoxToWorld = mat.NewDense(4, 4, []float64{
			float64(hdr.SRowX[0]), float64(hdr.SRowX[1]), float64(hdr.SRowX[2]), float64(hdr.SRowX[3]),
			float64(hdr.SRowY[0]), float64(hdr.SRowY[1]), float64(hdr.SRowY[2]), float64(hdr.SRowY[3]),
			float64(hdr.SRowZ[0]), float64(hdr.SRowZ[1]), float64(hdr.SRowZ[2]), float64(hdr.SRowZ[3]),
			0, 0, 0, 1,
		})
	} else {
		img.VoxToWorld = affine.ScaleOffsetXform(pixdim[:3], nil)
	}

	return img, nil
}

func readVoxels(r io.Reader, order binary.ByteOrder, dtype, nvox int) ([]float64, error) {
	data := make([]float64, nvox)

	switch dtype {
	case DTUint8:
		buf := make([]uint8, nvox)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("error reading voxel data: %w", err)
		}
		for i, v := range buf {
			data[i] = float64(v)
		}
	case DTInt16:
		buf := make([]int16, nvox)
		if err := binary.Read(r, order, buf); err != nil {
			return nil, fmt.Errorf("error reading voxel data: %w", err)
		}
		for i, v := range buf {
			data[i] = float64(v)
		}
	case DTInt32:
		buf := make([]int32, nvox)
		if err := binary.Read(r, order, buf); err != nil {
			return nil, fmt.Errorf("error reading voxel data: %w", err)
		}
		for i, v := range buf {
			data[i] = float64(v)
		}
	case DTFloat32:
		buf := make([]float32, nvox)
		if err := binary.Read(r, order, buf); err != nil {
			return nil, fmt.Errorf("error reading voxel data: %w", err)
		}
		for i, v := range buf {
			data[i] = float64(v)
		}
	case DTFloat64:
		if err := binary.Read(r, order, data); err != nil {
			return nil, fmt.Errorf("error reading voxel data: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported NIfTI datatype: %d", dtype)
	}

	return data, nil
}

// Save writes an image to a .nii or .nii.gz file. Voxel data is stored as
// float32.
func Save(img *Image, fname string) error {
	f, err := os.Create(fname)
	if err != nil {
		return fmt.Errorf("error creating %s: %w", fname, err)
	}
	defer f.Close()

	if strings.HasSuffix(fname, ".gz") {
		gz := gzip.NewWriter(f)
		if err := Encode(img, gz); err != nil {
			gz.Close()
			return fmt.Errorf("error writing %s: %w", fname, err)
		}
		// A failed flush here means a truncated file, not a success.
		if err := gz.Close(); err != nil {
			return fmt.Errorf("error compressing %s: %w", fname, err)
		}
		return nil
	}

	if err := Encode(img, f); err != nil {
		return fmt.Errorf("error writing %s: %w", fname, err)
	}
	return nil
}

// Encode writes an image to a stream in NIfTI-1 format.
func Encode(img *Image, w io.Writer) error {
	ndim := len(img.Shape)
	if ndim < 3 || ndim > 7 {
		return fmt.Errorf("unsupported number of dimensions: %d", ndim)
	}

	var hdr header
	hdr.SizeOfHdr = headerSize
	hdr.DataType = DTFloat32
	hdr.BitPix = 32
	hdr.VoxOffset = headerSize + 4
	hdr.SclSlope = 1
	hdr.IntentCode = int16(img.Intent)
	hdr.Magic = [4]int8{'n', '+', '1', 0}

	// dim[0] holds the number of axes, dim[1..7] the axis sizes.
	hdr.Dim[0] = int16(ndim)
	hdr.PixDim[0] = 1
	for i := 0; i < 7; i++ {
		if i < ndim {
			hdr.Dim[i+1] = int16(img.Shape[i])
			if i < len(img.Pixdim) {
				hdr.PixDim[i+1] = float32(img.Pixdim[i])
			} else {
				hdr.PixDim[i+1] = 1
			}
		} else {
			hdr.Dim[i+1] = 1
			hdr.PixDim[i+1] = 1
		}
	}

	hdr.SFormCode = 1
	hdr.QFormCode = 0
	for c := 0; c < 4; c++ {
		hdr.SRowX[c] = float32(img.VoxToWorld.At(0, c))
		hdr.SRowY[c] = float32(img.VoxToWorld.At(1, c))
		hdr.SRowZ[c] = float32(img.VoxToWorld.At(2, c))
	}

	if err := binary.Write(w, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("error writing header: %w", err)
	}

	// Four bytes of extension padding between header and data.
	if _, err := w.Write([]byte{0, 0, 0, 0}); err != nil {
		return fmt.Errorf("error writing header padding: %w", err)
	}

	buf := make([]float32, len(img.Data.Data))
	for i, v := range img.Data.Data {
		if math.IsNaN(v) {
			buf[i] = float32(math.NaN())
		} else {
			buf[i] = float32(v)
		}
	}
	if err := binary.Write(w, binary.LittleEndian, buf); err != nil {
		return fmt.Errorf("error writing voxel data: %w", err)
	}
	return nil
}
