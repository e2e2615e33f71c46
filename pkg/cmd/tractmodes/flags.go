package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/gilchrisn/tractmodes/pkg/config"
	"github.com/gilchrisn/tractmodes/pkg/models"
)

// flagKeys maps command-line flags onto config keys
var flagKeys = map[string]string{
	"algo":      "decomposition.algorithm",
	"dim":       "decomposition.dim",
	"sign-flip": "decomposition.sign_flip",
	"normalise": "decomposition.normalise",
	"wta":       "decomposition.wta",
	"wta-zthr":  "decomposition.wta_threshold",
	"pca-type":  "pca.type",
	"pca-dim":   "pca.components",
	"n-cores":   "dualreg.n_cores",
	"overwrite": "output.overwrite",
	"log-level": "logging.level",
}

// loadConfig builds the run config: defaults, then the --config file, then
// every flag given explicitly on the command line.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.NewConfig()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		if err := cfg.LoadFromFile(path); err != nil {
			return nil, fmt.Errorf("config %s: %v: %w", path, err, models.ErrInputMissing)
		}
	}

	var setErr error
	cmd.Flags().Visit(func(f *pflag.Flag) {
		key, ok := flagKeys[f.Name]
		if !ok || setErr != nil {
			return
		}
		v, err := flagValue(cmd.Flags(), f)
		if err != nil {
			setErr = fmt.Errorf("flag --%s: %w", f.Name, err)
			return
		}
		cfg.Set(key, v)
	})
	if setErr != nil {
		return nil, setErr
	}
	return cfg, nil
}

func flagValue(fs *pflag.FlagSet, f *pflag.Flag) (interface{}, error) {
	switch f.Value.Type() {
	case "bool":
		return fs.GetBool(f.Name)
	case "int":
		return fs.GetInt(f.Name)
	case "float64":
		return fs.GetFloat64(f.Name)
	default:
		return f.Value.String(), nil
	}
}
