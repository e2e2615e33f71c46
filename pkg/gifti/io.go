package gifti

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/gilchrisn/tractmodes/pkg/models"
	"github.com/gilchrisn/tractmodes/pkg/utils"
)

// ReadFile parses a GIFTI file and decodes every data array
func ReadFile(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("surface %s: %w", path, models.ErrInputMissing)
		}
		return nil, fmt.Errorf("failed to open surface %s: %v: %w", path, err, models.ErrIO)
	}
	defer f.Close()

	img, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read surface %s: %w", path, err)
	}
	return img, nil
}

// Read parses a GIFTI document from r
func Read(r io.Reader) (*Image, error) {
	var img Image
	if err := xml.NewDecoder(r).Decode(&img); err != nil {
		return nil, fmt.Errorf("invalid GIFTI XML: %v: %w", err, models.ErrIO)
	}
	for i := range img.DataArrays {
		if err := img.DataArrays[i].decode(); err != nil {
			return nil, fmt.Errorf("data array %d: %v: %w", i, err, models.ErrIO)
		}
	}
	return &img, nil
}

// Write encodes every data array and writes the document to w
func Write(w io.Writer, img *Image) error {
	for i := range img.DataArrays {
		if err := img.DataArrays[i].encode(); err != nil {
			return fmt.Errorf("data array %d: %w", i, err)
		}
	}
	img.NumberOfDataArrays = len(img.DataArrays)
	if img.Version == "" {
		img.Version = "1.0"
	}

	if _, err := io.WriteString(w, xml.Header+doctype); err != nil {
		return err
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(img); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\n")
	return err
}

// WriteFile writes img atomically to path
func WriteFile(path string, img *Image) error {
	if err := utils.WriteFileAtomic(path, func(w io.Writer) error { return Write(w, img) }); err != nil {
		return fmt.Errorf("failed to write surface %s: %v: %w", path, err, models.ErrIO)
	}
	return nil
}
