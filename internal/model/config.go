package model

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

const (
	DefaultPort = 80

	AppsDirName = "apps"
)

type LogLevel string

const (
	LogLevelQuiet   LogLevel = "quiet"
	LogLevelNormal  LogLevel = "normal"
	LogLevelVerbose LogLevel = "verbose"
)

// ParseLogLevel returns a LogLevel for a case insensitive name.
// Empty string maps to LogLevelNormal.
func ParseLogLevel(s string) (LogLevel, error) {
	switch l := LogLevel(strings.ToLower(strings.TrimSpace(s))); l {
	case "":
		return LogLevelNormal, nil
	case LogLevelQuiet, LogLevelNormal, LogLevelVerbose:
		return l, nil
	default:
		return "", &ConfigError{Field: "log_level", Reason: "must be one of quiet, normal, verbose: got " + s}
	}
}

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
	if err := schema.Validate(); err != nil {
		panic(err)
	}
}

// Config is immutable once handed to the supervisor.
type Config struct {
	Version       int      `json:"version" yaml:"version"` // fixed 0 for now
	DataDirectory string   `json:"data_directory" yaml:"data_directory"`
	Port          int      `json:"port" yaml:"port"`
	LogLevel      LogLevel `json:"log_level" yaml:"log_level"`
	PhaseTimeout  string   `json:"phase_timeout,omitempty" yaml:"phase_timeout,omitempty"` // Go duration, empty => unbounded
	Services      Services `json:"services" yaml:"services"`
}

type Services struct {
	Apps Apps `json:"apps" yaml:"apps"`
	Jobs Jobs `json:"jobs" yaml:"jobs"`
}

// Apps configures the app manifests service.
type Apps struct {
	Dir   string `json:"dir,omitempty" yaml:"dir,omitempty"` // empty => <data_directory>/apps
	Watch bool   `json:"watch,omitempty" yaml:"watch,omitempty"`
}

// Jobs configures the maintenance scheduler. Cron has a precedence over Every.
type Jobs struct {
	Cron  string `json:"cron,omitempty" yaml:"cron,omitempty"`   // 5 fields or @macro
	Every string `json:"every,omitempty" yaml:"every,omitempty"` // ISO8601 duration, e.g. PT1H
}

// DefaultConfig returns a valid configuration storing data in dataDirectory.
func DefaultConfig(dataDirectory string) Config {
	return Config{
		DataDirectory: dataDirectory,
		Port:          DefaultPort,
		LogLevel:      LogLevelNormal,
		Services: Services{
			Jobs: Jobs{Every: "PT1H"},
		},
	}
}

// WithDefaults fills zero values with defaults.
func (c Config) WithDefaults() Config {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.LogLevel == "" {
		c.LogLevel = LogLevelNormal
	}
	return c
}

// Validate returns a *ConfigError for the first invalid field.
func (c Config) Validate() error {
	if c.Version != 0 {
		return &ConfigError{Field: "version", Reason: "only version 0 is supported"}
	}
	if strings.TrimSpace(c.DataDirectory) == "" {
		return &ConfigError{Field: "data_directory", Reason: "is required"}
	}
	if c.Port < 1 || c.Port > 65535 {
		return &ConfigError{Field: "port", Reason: "must be in range 1-65535"}
	}
	switch c.LogLevel {
	case LogLevelQuiet, LogLevelNormal, LogLevelVerbose:
	default:
		return &ConfigError{Field: "log_level", Reason: fmt.Sprintf("must be one of quiet, normal, verbose: got %q", c.LogLevel)}
	}
	if _, err := c.PhaseTimeoutDuration(); err != nil {
		return err
	}
	return nil
}

// PhaseTimeoutDuration returns 0 when no phase timeout is configured.
func (c Config) PhaseTimeoutDuration() (time.Duration, error) {
	if c.PhaseTimeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.PhaseTimeout)
	if err != nil {
		return 0, &ConfigError{Field: "phase_timeout", Reason: err.Error()}
	}
	if d < 0 {
		return 0, &ConfigError{Field: "phase_timeout", Reason: "must not be negative"}
	}
	return d, nil
}

// AppsDir returns the directory with app manifests.
func (c Config) AppsDir() string {
	if c.Services.Apps.Dir != "" {
		return c.Services.Apps.Dir
	}
	return filepath.Join(c.DataDirectory, AppsDirName)
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
func LoadConfig(r io.Reader) (Config, error) {
	yamlFile, err := yaml.Extract("bootd.yaml", r)
	if err != nil {
		return Config{}, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),
		cue.Concrete(true),
	); err != nil {
		return Config{}, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return Config{}, err
	}

	return out, nil
}
