package factors

import (
	"github.com/gilchrisn/tractmodes/pkg/linalg"
	"github.com/gilchrisn/tractmodes/pkg/models"
)

// Normalise z-scores the columns of G and the rows of W. Zero-variance
// columns and rows are copied unchanged.
func Normalise(p models.FactorPair) models.FactorPair {
	return models.FactorPair{
		G: linalg.ZScoreColumns(p.G),
		W: linalg.ZScoreRows(p.W),
	}
}

// WithNormalised pairs core with its normalised copy
func WithNormalised(core models.FactorPair) models.Factors {
	n := Normalise(core)
	return models.Factors{Core: core, Normalised: &n}
}
