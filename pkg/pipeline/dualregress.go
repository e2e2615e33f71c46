package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/gilchrisn/tractmodes/pkg/config"
	"github.com/gilchrisn/tractmodes/pkg/dualreg"
	"github.com/gilchrisn/tractmodes/pkg/factors"
	"github.com/gilchrisn/tractmodes/pkg/imaging"
	"github.com/gilchrisn/tractmodes/pkg/models"
	"github.com/gilchrisn/tractmodes/pkg/nifti"
	"github.com/gilchrisn/tractmodes/pkg/sparse"
)

// DualRegressOptions are the file inputs of a dual-regress run
type DualRegressOptions struct {
	ListPath   string
	SeedPaths  []string
	MedialWall []string
	Algorithm  string
	DecompDir  string
	OutDir     string
}

// DualRegressResult summarises a dual-regress run
type DualRegressResult struct {
	Completed []dualreg.Statistics
	Skipped   []string
	Failed    map[string]error
	RuntimeMS int64
}

// DualRegress projects every subject onto the group factors of a previous
// decompose run. A failing subject is logged and skipped.
func DualRegress(ctx context.Context, cfg *config.Config, opts DualRegressOptions, logger zerolog.Logger) (*DualRegressResult, error) {
	startTime := time.Now()

	algo, err := models.ParseAlgorithm(opts.Algorithm)
	if err != nil {
		return nil, err
	}
	if opts.DecompDir == "" || opts.OutDir == "" {
		return nil, fmt.Errorf("decomposition and output directories are required: %w", models.ErrInputMissing)
	}
	if err := requireFile(opts.ListPath, "subject list"); err != nil {
		return nil, err
	}

	manifest, err := ReadManifest(opts.DecompDir, algo)
	if err != nil {
		return nil, err
	}
	subjects, err := ReadSubjectList(opts.ListPath, opts.SeedPaths)
	if err != nil {
		return nil, err
	}
	masks := opts.MedialWall
	if len(masks) == 0 {
		masks = manifestMasks(opts.DecompDir, manifest)
	}
	seeds, err := BuildSeeds(opts.SeedPaths, masks)
	if err != nil {
		return nil, err
	}

	lookupImg, err := nifti.ReadFile(filepath.Join(opts.DecompDir, manifest.Files.Lookup))
	if err != nil {
		return nil, err
	}
	lookup, err := imaging.NewLookup(lookupImg)
	if err != nil {
		return nil, err
	}
	coords, err := imaging.ReadCoords(filepath.Join(opts.DecompDir, manifest.Files.Coords))
	if err != nil {
		return nil, err
	}
	spaces, err := imaging.LoadSeedSpaces(seeds, coords)
	if err != nil {
		return nil, err
	}

	group := models.FactorPair{}
	if group.W, err = imaging.ReadW(filepath.Join(opts.DecompDir, manifest.Files.W), lookup); err != nil {
		return nil, err
	}
	gPrefix := filepath.Join(opts.DecompDir, manifest.Files.GPrefix)
	if group.G, err = imaging.ReadG(filepath.Dir(gPrefix), filepath.Base(gPrefix), spaces); err != nil {
		return nil, err
	}
	if err := group.Validate(); err != nil {
		return nil, err
	}
	k := group.Dim()

	outAlgo := filepath.Join(opts.OutDir, algo.Upper())
	if cfg.Overwrite() {
		logger.Info().Str("dir", outAlgo).Msg("Removing previous outputs")
		if err := os.RemoveAll(outAlgo); err != nil {
			return nil, fmt.Errorf("failed to clear %s: %v: %w", outAlgo, err, models.ErrIO)
		}
	}

	workers := cfg.NumCores()
	if workers <= 0 {
		workers = config.DefaultNumCores()
	}

	logger.Info().
		Str("algorithm", string(algo)).
		Int("dim", k).
		Int("subjects", len(subjects)).
		Int("n_cores", workers).
		Msg("Starting dual regression")

	writer := imaging.NewFileWriter(lookup, spaces)
	result := &DualRegressResult{Failed: make(map[string]error)}
	var firstErr error
	for i, subj := range subjects {
		if err := ctx.Err(); err != nil {
			return result, fmt.Errorf("dual regression interrupted before subject %s: %v: %w", subj.ID, err, models.ErrCancelRequested)
		}

		subjDir := filepath.Join(outAlgo, subj.ID)
		wName := fmt.Sprintf("W_dr_%s_dim%d", subj.ID, k)
		gPrefix := fmt.Sprintf("G_dr_%s_dim%d", subj.ID, k)
		if _, err := os.Stat(imaging.WPath(subjDir, wName)); err == nil {
			logger.Info().Str("subject", subj.ID).Msg("Subject already dual-regressed, skipping")
			result.Skipped = append(result.Skipped, subj.ID)
			continue
		}

		stats, err := regressSubject(ctx, algo, subj, group, workers, writer, subjDir, wName, gPrefix, cfg.Normalise(), logger)
		if err != nil {
			if errors.Is(err, models.ErrCancelRequested) {
				return result, err
			}
			logger.Error().Err(err).Str("subject", subj.ID).Int("index", i+1).Msg("Dual regression failed, skipping subject")
			result.Failed[subj.ID] = err
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		result.Completed = append(result.Completed, stats)
	}

	result.RuntimeMS = time.Since(startTime).Milliseconds()
	logger.Info().
		Int("completed", len(result.Completed)).
		Int("skipped", len(result.Skipped)).
		Int("failed", len(result.Failed)).
		Int64("runtime_ms", result.RuntimeMS).
		Msg("Dual regression finished")

	if len(result.Completed) == 0 && len(result.Skipped) == 0 {
		return result, fmt.Errorf("dual regression failed for all %d subjects: %w", len(subjects), firstErr)
	}
	return result, nil
}

func regressSubject(ctx context.Context, algo models.Algorithm, subj models.Subject, group models.FactorPair, workers int,
	writer imaging.Writer, dir, wName, gPrefix string, normalise bool, logger zerolog.Logger) (dualreg.Statistics, error) {
	cs, err := sparse.Load(subj.MatrixPath)
	if err != nil {
		return dualreg.Statistics{}, err
	}

	subjFactors, stats, err := dualreg.Run(ctx, algo, subj.ID, group, cs, workers, logger)
	if err != nil {
		return stats, err
	}

	f := models.Factors{Core: subjFactors}
	if normalise {
		f = factors.WithNormalised(subjFactors)
	}
	if f.Normalised != nil {
		if err := writer.WriteAll(*f.Normalised, filepath.Join(dir, normSubdir), wName+"_norm", gPrefix+"_norm"); err != nil {
			return stats, err
		}
	}
	// W last: its presence marks the subject complete
	if _, err := writer.WriteG(f.Core.G, dir, gPrefix); err != nil {
		return stats, err
	}
	if err := writer.WriteW(f.Core.W, imaging.WPath(dir, wName)); err != nil {
		return stats, err
	}
	return stats, nil
}

// manifestMasks returns the copied medial-wall masks of the surface seeds in seed order
func manifestMasks(decompDir string, m *Manifest) []string {
	var masks []string
	for _, s := range m.Seeds {
		if s.MedialWall != "" {
			masks = append(masks, filepath.Join(decompDir, s.MedialWall))
		}
	}
	return masks
}
