package main

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
	"github.com/urfave/cli/v2"

	"github.com/kolkov/ptrquarantine/quarantine"
)

// config is the TOML configuration file layout.
type config struct {
	Engine    engineConfig    `toml:"engine"`
	Sanitizer sanitizerConfig `toml:"sanitizer"`
}

type engineConfig struct {
	DataRaceCheck             bool `toml:"data_race_check"`
	FreeAfterQuarantinedCheck bool `toml:"free_after_quarantined_check"`
	ExtractionWarning         bool `toml:"extraction_warning"`
}

type sanitizerConfig struct {
	HaltOnError bool `toml:"halt_on_error"`
	DetectLeaks bool `toml:"detect_leaks"`
	ExitCode    int  `toml:"exitcode"`
	ArenaSize   int  `toml:"arena_size"`
}

func defaultConfig() config {
	return config{
		Sanitizer: sanitizerConfig{
			HaltOnError: true,
			DetectLeaks: true,
			ExitCode:    1,
			ArenaSize:   quarantine.DefaultArenaSize,
		},
	}
}

// loadConfig decodes a TOML file over the defaults. Unknown keys are an
// error.
func loadConfig(path string) (config, error) {
	cfg := defaultConfig()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return cfg, errors.Wrapf(err, "load config %s", path)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return cfg, errors.Newf("config %s: unknown keys %s", path, strings.Join(keys, ", "))
	}
	return cfg, nil
}

// makeConfig loads the --config file, if any, and applies the flags that
// were set explicitly on top of it.
func makeConfig(ctx *cli.Context) (config, error) {
	cfg := defaultConfig()
	if file := ctx.String(configFileFlag.Name); file != "" {
		var err error
		if cfg, err = loadConfig(file); err != nil {
			return cfg, err
		}
	}

	if ctx.IsSet(raceCheckFlag.Name) {
		cfg.Engine.DataRaceCheck = ctx.Bool(raceCheckFlag.Name)
	}
	if ctx.IsSet(freeCheckFlag.Name) {
		cfg.Engine.FreeAfterQuarantinedCheck = ctx.Bool(freeCheckFlag.Name)
	}
	if ctx.IsSet(extractionWarningFlag.Name) {
		cfg.Engine.ExtractionWarning = ctx.Bool(extractionWarningFlag.Name)
	}
	if ctx.IsSet(haltOnErrorFlag.Name) {
		cfg.Sanitizer.HaltOnError = ctx.Bool(haltOnErrorFlag.Name)
	}
	if ctx.IsSet(detectLeaksFlag.Name) {
		cfg.Sanitizer.DetectLeaks = ctx.Bool(detectLeaksFlag.Name)
	}
	if ctx.IsSet(exitCodeFlag.Name) {
		cfg.Sanitizer.ExitCode = ctx.Int(exitCodeFlag.Name)
	}
	if ctx.IsSet(arenaSizeFlag.Name) {
		cfg.Sanitizer.ArenaSize = ctx.Int(arenaSizeFlag.Name)
	}
	return cfg, nil
}

// options renders the sanitizer table as an ASAN_OPTIONS string.
func (c sanitizerConfig) options() string {
	return fmt.Sprintf("halt_on_error=%d:detect_leaks=%d:exitcode=%d",
		b2i(c.HaltOnError), b2i(c.DetectLeaks), c.ExitCode)
}

func (c engineConfig) options() quarantine.Options {
	return quarantine.Options{
		DataRaceCheck:             c.DataRaceCheck,
		FreeAfterQuarantinedCheck: c.FreeAfterQuarantinedCheck,
		ExtractionWarning:         c.ExtractionWarning,
	}
}

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}

// dumpConfig writes the effective configuration as TOML.
func dumpConfig(ctx *cli.Context) error {
	cfg, err := makeConfig(ctx)
	if err != nil {
		return err
	}
	return toml.NewEncoder(ctx.App.Writer).Encode(cfg)
}
