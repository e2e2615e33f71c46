package models

import (
	"fmt"
	"path/filepath"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// Algorithm selects the factorisation used for decomposition and dual regression
type Algorithm string

const (
	AlgorithmICA Algorithm = "ica"
	AlgorithmNMF Algorithm = "nmf"
)

// ParseAlgorithm normalises a user supplied algorithm name
func ParseAlgorithm(s string) (Algorithm, error) {
	switch Algorithm(strings.ToLower(strings.TrimSpace(s))) {
	case AlgorithmICA:
		return AlgorithmICA, nil
	case AlgorithmNMF:
		return AlgorithmNMF, nil
	}
	return "", fmt.Errorf("unknown algorithm %q (want ica or nmf): %w", s, ErrInputMissing)
}

// Upper returns the directory form used in output trees ("ICA", "NMF")
func (a Algorithm) Upper() string { return strings.ToUpper(string(a)) }

// FactorPair holds a grey-matter loading G (S x K) and a white-matter loading W (K x T).
type FactorPair struct {
	G *mat.Dense
	W *mat.Dense
}

// Dim returns the number of components K
func (p FactorPair) Dim() int {
	if p.W == nil {
		return 0
	}
	k, _ := p.W.Dims()
	return k
}

// Validate checks that G and W agree on K
func (p FactorPair) Validate() error {
	if p.G == nil || p.W == nil {
		return fmt.Errorf("factor pair incomplete: %w", ErrInputMissing)
	}
	_, gk := p.G.Dims()
	wk, _ := p.W.Dims()
	if gk != wk {
		return fmt.Errorf("G has %d components, W has %d: %w", gk, wk, ErrShapeMismatch)
	}
	return nil
}

// Factors carries the core factorisation and, when requested, its normalised copy.
type Factors struct {
	Core       FactorPair
	Normalised *FactorPair
}

// SeedKind distinguishes volumetric seeds from surface seeds
type SeedKind int

const (
	SeedVolume SeedKind = iota
	SeedSurface
)

func (k SeedKind) String() string {
	if k == SeedSurface {
		return "surface"
	}
	return "volume"
}

// Seed is one seed image contributing a contiguous block of matrix rows.
type Seed struct {
	Path string
	Kind SeedKind
	// MaskPath is the medial-wall mask of a surface seed. Empty means every vertex is a seed.
	MaskPath string
}

// NewSeed infers the seed kind from the file extension
func NewSeed(path string) Seed {
	kind := SeedVolume
	if strings.HasSuffix(strings.ToLower(path), ".gii") {
		kind = SeedSurface
	}
	return Seed{Path: path, Kind: kind}
}

// Name is the seed file name without its image extensions, used in output names.
func (s Seed) Name() string {
	base := filepath.Base(s.Path)
	for _, ext := range []string{".nii.gz", ".nii", ".func.gii", ".shape.gii", ".surf.gii", ".gii"} {
		if strings.HasSuffix(strings.ToLower(base), ext) {
			return base[:len(base)-len(ext)]
		}
	}
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Subject is one record produced by subject discovery
type Subject struct {
	ID         string
	MatrixPath string
	SeedPaths  []string
	Dir        string
}
