package sparse

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"
	"gonum.org/v1/gonum/mat"

	"github.com/gilchrisn/tractmodes/pkg/models"
	"github.com/gilchrisn/tractmodes/pkg/utils"
)

// Group-average cache layout: 4-byte magic, uint32 version, uint64 input
// fingerprint, then the matrix in gonum's binary format.
var cacheMagic = [4]byte{'T', 'M', 'A', 'V'}

const cacheVersion uint32 = 1

// ErrStaleCache is returned by LoadCache when the cache was built from a different subject list.
var ErrStaleCache = errors.New("sparse: group-average cache built from different inputs")

// Fingerprint hashes the ordered list of matrix paths that produced an average
func Fingerprint(paths []string) uint64 {
	d := xxhash.New()
	for _, p := range paths {
		if abs, err := filepath.Abs(p); err == nil {
			p = abs
		}
		d.WriteString(p)
		d.Write([]byte{0})
	}
	return d.Sum64()
}

// SaveCache writes m to path atomically, tagged with fingerprint
func SaveCache(path string, m *mat.Dense, fingerprint uint64) error {
	err := utils.WriteFileAtomic(path, func(w io.Writer) error {
		if _, err := w.Write(cacheMagic[:]); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, cacheVersion); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, fingerprint); err != nil {
			return err
		}
		_, err := m.MarshalBinaryTo(w)
		return err
	})
	if err != nil {
		return fmt.Errorf("writing group-average cache %s: %v: %w", path, err, models.ErrIO)
	}
	return nil
}

// LoadCache reads a cache written by SaveCache. ok is false when no cache file
// exists. A fingerprint mismatch returns ErrStaleCache.
func LoadCache(path string, fingerprint uint64) (m *mat.Dense, ok bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("opening %s: %v: %w", path, err, models.ErrIO)
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, 1<<20)
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil || magic != cacheMagic {
		return nil, false, fmt.Errorf("%s is not a group-average cache: %w", path, models.ErrIO)
	}
	var version uint32
	var stored uint64
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return nil, false, fmt.Errorf("reading %s: %v: %w", path, err, models.ErrIO)
	}
	if version != cacheVersion {
		return nil, false, fmt.Errorf("%s has cache version %d, want %d: %w", path, version, cacheVersion, models.ErrIO)
	}
	if err := binary.Read(r, binary.LittleEndian, &stored); err != nil {
		return nil, false, fmt.Errorf("reading %s: %v: %w", path, err, models.ErrIO)
	}
	if stored != fingerprint {
		return nil, false, ErrStaleCache
	}

	m = &mat.Dense{}
	if _, err := m.UnmarshalBinaryFrom(r); err != nil {
		return nil, false, fmt.Errorf("decoding %s: %v: %w", path, err, models.ErrIO)
	}
	return m, true, nil
}
