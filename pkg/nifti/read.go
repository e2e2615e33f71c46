package nifti

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/klauspost/compress/gzip"

	"github.com/gilchrisn/tractmodes/pkg/models"
)

// ReadFile reads a .nii or .nii.gz image. Compression is detected from the
// file content, not the extension.
func ReadFile(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("image %s: %w", path, models.ErrInputMissing)
		}
		return nil, fmt.Errorf("failed to open image %s: %v: %w", path, err, models.ErrIO)
	}
	defer f.Close()

	img, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read image %s: %w", path, err)
	}
	return img, nil
}

// Read decodes a single-file NIfTI-1 image from r, gzip-compressed or not.
func Read(r io.Reader) (*Image, error) {
	br := bufio.NewReader(r)
	var src io.Reader = br
	if magic, err := br.Peek(2); err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("invalid gzip stream: %v: %w", err, models.ErrIO)
		}
		defer zr.Close()
		src = zr
	}

	h, order, err := readHeader(src)
	if err != nil {
		return nil, err
	}

	if skip := int64(h.VoxOffset) - headerSize; skip > 0 {
		if _, err := io.CopyN(io.Discard, src, skip); err != nil {
			return nil, fmt.Errorf("failed to skip header extensions: %v: %w", err, models.ErrIO)
		}
	}

	data, err := readData(src, h, order)
	if err != nil {
		return nil, err
	}
	return &Image{Header: h, Data: data}, nil
}

// readHeader reads the 352 header bytes and decodes them in the byte order
// for which Dim[0] is a valid dimension count.
func readHeader(r io.Reader) (Header, binary.ByteOrder, error) {
	var h Header
	buf := make([]byte, headerSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return h, nil, fmt.Errorf("failed to read header: %v: %w", err, models.ErrIO)
	}

	var order binary.ByteOrder = binary.LittleEndian
	if d := int16(binary.LittleEndian.Uint16(buf[40:42])); d < 1 || d > 7 {
		order = binary.BigEndian
	}
	if err := binary.Read(bytes.NewReader(buf), order, &h); err != nil {
		return h, nil, fmt.Errorf("failed to decode header: %v: %w", err, models.ErrIO)
	}
	if err := h.validate(); err != nil {
		return h, nil, fmt.Errorf("%v: %w", err, models.ErrIO)
	}
	return h, order, nil
}

func readData(r io.Reader, h Header, order binary.ByteOrder) ([]float64, error) {
	n := h.NumVoxels()
	bits, _ := bitpix(h.Datatype)
	size := int(bits) / 8
	raw := make([]byte, n*size)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("failed to read %d voxels: %v: %w", n, err, models.ErrIO)
	}

	data := make([]float64, n)
	for i := range data {
		b := raw[i*size : (i+1)*size]
		switch h.Datatype {
		case DTUint8:
			data[i] = float64(b[0])
		case DTInt8:
			data[i] = float64(int8(b[0]))
		case DTInt16:
			data[i] = float64(int16(order.Uint16(b)))
		case DTUint16:
			data[i] = float64(order.Uint16(b))
		case DTInt32:
			data[i] = float64(int32(order.Uint32(b)))
		case DTUint32:
			data[i] = float64(order.Uint32(b))
		case DTFloat32:
			data[i] = float64(math.Float32frombits(order.Uint32(b)))
		case DTInt64:
			data[i] = float64(int64(order.Uint64(b)))
		case DTUint64:
			data[i] = float64(order.Uint64(b))
		case DTFloat64:
			data[i] = math.Float64frombits(order.Uint64(b))
		}
	}

	if slope := float64(h.SclSlope); slope != 0 && !(slope == 1 && h.SclInter == 0) {
		inter := float64(h.SclInter)
		for i, v := range data {
			data[i] = v*slope + inter
		}
	}
	return data, nil
}
