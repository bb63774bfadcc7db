package apps

import (
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var ErrInvalidManifest = errors.New("invalid app manifest")

var idRx = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,62}$`)

// Manifest describes an installed app. It is read from
// <apps dir>/<anything>.yaml.
type Manifest struct {
	ID          string `yaml:"id" json:"id"`
	Name        string `yaml:"name" json:"name"`
	Version     string `yaml:"version" json:"version"`
	Port        int    `yaml:"port,omitempty" json:"port,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Path        string `yaml:"-" json:"path"`
}

func (m Manifest) Validate() error {
	var problems []string
	if !idRx.MatchString(m.ID) {
		problems = append(problems, fmt.Sprintf("id %q must match %s", m.ID, idRx.String()))
	}
	if strings.TrimSpace(m.Name) == "" {
		problems = append(problems, "name is required")
	}
	if strings.TrimSpace(m.Version) == "" {
		problems = append(problems, "version is required")
	}
	if m.Port < 0 || m.Port > 65535 {
		problems = append(problems, "port must be in range 0-65535")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidManifest, strings.Join(problems, ", "))
	}
	return nil
}

// DecodeManifest parses and validates a manifest read from r. Unknown fields
// are rejected.
func DecodeManifest(r io.Reader, path string) (Manifest, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var m Manifest
	if err := dec.Decode(&m); err != nil {
		return Manifest{}, fmt.Errorf("%w: %s: %w", ErrInvalidManifest, path, err)
	}
	if err := m.Validate(); err != nil {
		return Manifest{}, fmt.Errorf("%s: %w", path, err)
	}
	m.Path = path
	return m, nil
}

func isManifest(name string) bool {
	return strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml")
}
