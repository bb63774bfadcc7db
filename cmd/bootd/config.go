package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/CZERTAINLY/bootd/internal/model"
)

const (
	configFileName = "bootd.yaml"
	envPrefix      = "BOOTD"
)

// configPathFrom returns the config file to use: BOOTD_CONFIG, then --config,
// then bootd.yaml in the user config directory or the current directory.
// Empty string means no config exists yet.
func configPathFrom(flagPath string, dirs ...string) string {
	if envConfig, ok := os.LookupEnv(envPrefix + "_CONFIG"); ok && envConfig != "" {
		return envConfig
	}
	if flagPath != "" {
		return flagPath
	}
	for _, d := range dirs {
		path := filepath.Join(d, configFileName)
		if exists(path) {
			return path
		}
	}
	return ""
}

// readConfig loads the YAML config at path and checks it against the schema.
// Required fields may still be missing, they can come from flags or the
// environment. CUE errors are reported to slog one by one.
func readConfig(path string) (model.Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return model.Config{}, fmt.Errorf("opening config file: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	cfg, err := model.LoadConfig(f)
	if err != nil {
		for _, d := range model.CueErrDetails(err) {
			slog.Error(d.String(), d.Attr("detail"))
		}
		return model.Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg.WithDefaults(), nil
}

// writeDefaultConfig stores the default configuration to path.
func writeDefaultConfig(path, dataDirectory string) (model.Config, error) {
	cfg := model.DefaultConfig(dataDirectory)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return model.Config{}, fmt.Errorf("creating directory %s: %w", filepath.Dir(path), err)
	}
	f, err := os.Create(path)
	if err != nil {
		return model.Config{}, fmt.Errorf("creating file %s: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()
	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return model.Config{}, fmt.Errorf("storing configuration: %w", err)
	}
	if err := enc.Close(); err != nil {
		return model.Config{}, fmt.Errorf("storing configuration: %w", err)
	}
	return cfg, nil
}

// newViper binds the persistent flags of cmd and BOOTD_* environment
// variables to the config keys.
func newViper(cmd *cobra.Command) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	flags := cmd.Flags()
	var errs []error
	for key, flag := range map[string]string{
		"data_directory": "data-directory",
		"port":           "port",
		"log_level":      "log-level",
		"phase_timeout":  "phase-timeout",
	} {
		if f := flags.Lookup(flag); f != nil {
			errs = append(errs, v.BindPFlag(key, f))
		}
	}
	return v, errors.Join(errs...)
}

// applyOverrides puts values set by flags or environment on top of cfg.
func applyOverrides(v *viper.Viper, cfg model.Config) model.Config {
	if v.IsSet("data_directory") {
		cfg.DataDirectory = v.GetString("data_directory")
	}
	if v.IsSet("port") {
		cfg.Port = v.GetInt("port")
	}
	if v.IsSet("log_level") {
		raw := v.GetString("log_level")
		level, err := model.ParseLogLevel(raw)
		if err != nil {
			// left for Validate to report
			level = model.LogLevel(raw)
		}
		cfg.LogLevel = level
	}
	if v.IsSet("phase_timeout") {
		cfg.PhaseTimeout = v.GetString("phase_timeout")
	}
	return cfg
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
