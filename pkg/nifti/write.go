package nifti

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/gilchrisn/tractmodes/pkg/models"
	"github.com/gilchrisn/tractmodes/pkg/utils"
)

// WriteFile writes img atomically to path, gzip-compressed when path ends in ".gz".
func WriteFile(path string, img *Image) error {
	compress := strings.HasSuffix(strings.ToLower(path), ".gz")
	err := utils.WriteFileAtomic(path, func(w io.Writer) error {
		if !compress {
			return Write(w, img)
		}
		zw := gzip.NewWriter(w)
		if err := Write(zw, img); err != nil {
			zw.Close()
			return err
		}
		return zw.Close()
	})
	if err != nil {
		return fmt.Errorf("failed to write image %s: %v: %w", path, err, models.ErrIO)
	}
	return nil
}

// Write encodes img as little-endian NIfTI-1 with the data directly after
// the header.
func Write(w io.Writer, img *Image) error {
	h := img.Header
	if len(img.Data) != h.NumVoxels() {
		return fmt.Errorf("image has %d values for %d voxels", len(img.Data), h.NumVoxels())
	}
	bits, err := bitpix(h.Datatype)
	if err != nil {
		return err
	}
	h.SizeofHdr = minHeaderSize
	h.Magic = singleFileMagic
	h.Extension = [4]byte{}
	h.VoxOffset = headerSize
	h.Bitpix = bits
	if err := h.validate(); err != nil {
		return err
	}

	// Stored values are raw; undo any scaling carried over from a source header
	slope, inter := float64(h.SclSlope), float64(h.SclInter)
	if slope == 0 {
		slope = 1
	}

	if err := binary.Write(w, binary.LittleEndian, &h); err != nil {
		return err
	}

	size := int(bits) / 8
	raw := make([]byte, len(img.Data)*size)
	le := binary.LittleEndian
	for i, v := range img.Data {
		v = (v - inter) / slope
		b := raw[i*size : (i+1)*size]
		switch h.Datatype {
		case DTUint8:
			b[0] = uint8(math.Round(v))
		case DTInt8:
			b[0] = uint8(int8(math.Round(v)))
		case DTInt16:
			le.PutUint16(b, uint16(int16(math.Round(v))))
		case DTUint16:
			le.PutUint16(b, uint16(math.Round(v)))
		case DTInt32:
			le.PutUint32(b, uint32(int32(math.Round(v))))
		case DTUint32:
			le.PutUint32(b, uint32(math.Round(v)))
		case DTFloat32:
			le.PutUint32(b, math.Float32bits(float32(v)))
		case DTInt64:
			le.PutUint64(b, uint64(int64(math.Round(v))))
		case DTUint64:
			le.PutUint64(b, uint64(math.Round(v)))
		case DTFloat64:
			le.PutUint64(b, math.Float64bits(v))
		}
	}
	_, err = w.Write(raw)
	return err
}
