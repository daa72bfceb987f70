// Command config-lint loads a distiller settings file and reports whether it
// is valid. On success it prints the resolved settings; on failure it prints
// the first constraint violation and exits non-zero.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/theimaginaryfoundation/podcast-distiller/distill"
	"github.com/theimaginaryfoundation/podcast-distiller/distill/fileutils"
)

type Config struct {
	SettingsPath string
	Quiet        bool
	JSONOut      string
}

func (c Config) Validate() error {
	if c.SettingsPath == "" {
		return errors.New("missing -config: path to a settings YAML file is required")
	}
	return nil
}

func defaultConfig() Config {
	return Config{
		SettingsPath: "config.yaml",
	}
}

func parseFlags(fs *flag.FlagSet, args []string) (Config, error) {
	cfg := defaultConfig()

	fs.StringVar(&cfg.SettingsPath, "config", cfg.SettingsPath, "path to the settings YAML file")
	fs.BoolVar(&cfg.Quiet, "q", cfg.Quiet, "suppress the resolved-settings dump, report only pass/fail")
	fs.StringVar(&cfg.JSONOut, "json-out", cfg.JSONOut, "optional path to write the resolved settings as JSON")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg.SettingsPath = filepath.Clean(cfg.SettingsPath)
	if cfg.JSONOut != "" {
		cfg.JSONOut = filepath.Clean(cfg.JSONOut)
	}
	return cfg, nil
}

func main() {
	cfg, err := parseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
	}

	settings, err := distill.LoadSettings(cfg.SettingsPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %s\n", cfg.SettingsPath, err.Error())
		os.Exit(2)
	}

	if cfg.JSONOut != "" {
		if err := fileutils.WriteJSONFileAtomic(cfg.JSONOut, settings, true); err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
			os.Exit(1)
		}
	}

	if cfg.Quiet {
		fmt.Fprintf(os.Stdout, "%s: ok\n", cfg.SettingsPath)
		return
	}

	fmt.Fprintf(os.Stdout, "%s: ok\n", cfg.SettingsPath)
	fmt.Fprintf(os.Stdout, "  model_version=%s max_tokens=%d temperature=%.2f\n",
		settings.System.ModelVersion, settings.System.MaxTokens, settings.System.Temperature)
	fmt.Fprintf(os.Stdout, "  chunk_size min=%d optimal=%d max=%d context_window=%d similarity_threshold=%.2f\n",
		settings.Processing.ChunkSize.Min, settings.Processing.ChunkSize.Optimal, settings.Processing.ChunkSize.Max,
		settings.Processing.ContextWindow, settings.Processing.SimilarityThreshold)
	fmt.Fprintf(os.Stdout, "  min_quality_score=%.2f required_checks=%d thresholds=%d\n",
		settings.Quality.MinQualityScore, len(settings.Quality.RequiredChecks), len(settings.Quality.Thresholds))
	fmt.Fprintf(os.Stdout, "  max_retries=%d retry_delay=%.1fs backoff_factor=%.1f\n",
		settings.ErrorHandling.MaxRetries, settings.ErrorHandling.RetryDelay, settings.ErrorHandling.BackoffFactor)
	fmt.Fprintf(os.Stdout, "  logging level=%s file=%s\n", settings.Logging.Level, settings.Logging.File)
}
