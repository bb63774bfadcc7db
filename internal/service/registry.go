package service

import (
	"context"
	"fmt"
	"strings"
)

// Service is a unit started by the Supervisor. Once Start returns nil the
// service value itself is the running instance.
type Service interface {
	Start(ctx context.Context) error
}

// Stopper is implemented by services holding resources which must be
// released on shutdown.
type Stopper interface {
	Stop(ctx context.Context) error
}

// Factory builds a Service. Host gives access to configuration and to the
// other services.
type Factory func(h Host) Service

type Role int

const (
	RoleOrdinary Role = iota
	RolePrimary
	RoleTerminal
)

func (r Role) String() string {
	switch r {
	case RolePrimary:
		return "primary"
	case RoleTerminal:
		return "terminal"
	case RoleOrdinary:
		return "ordinary"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

type Definition struct {
	Name    string
	Role    Role
	Factory Factory
}

// Key is the name under which the running instance is registered.
func (d Definition) Key() string {
	return strings.ToLower(d.Name)
}

func Primary(name string, f Factory) Definition {
	return Definition{Name: name, Role: RolePrimary, Factory: f}
}

func Ordinary(name string, f Factory) Definition {
	return Definition{Name: name, Role: RoleOrdinary, Factory: f}
}

func Terminal(name string, f Factory) Definition {
	return Definition{Name: name, Role: RoleTerminal, Factory: f}
}

// Registry is an ordered, validated list of definitions.
type Registry struct {
	defs     []Definition
	primary  int
	terminal int
}

// NewRegistry validates the definitions: names must be non-empty and unique
// (case insensitive), factories non-nil, and there must be exactly one
// primary and one terminal definition.
func NewRegistry(defs ...Definition) (*Registry, error) {
	r := &Registry{
		defs:     make([]Definition, 0, len(defs)),
		primary:  -1,
		terminal: -1,
	}
	seen := make(map[string]struct{}, len(defs))
	for idx, def := range defs {
		if strings.TrimSpace(def.Name) == "" {
			return nil, &RegistryError{Err: fmt.Errorf("%w: empty name at position %d", ErrInvalidDefinition, idx)}
		}
		if def.Factory == nil {
			return nil, &RegistryError{Name: def.Name, Err: fmt.Errorf("%w: nil factory", ErrInvalidDefinition)}
		}
		if _, ok := seen[def.Key()]; ok {
			return nil, &RegistryError{Name: def.Name, Err: ErrDuplicate}
		}
		seen[def.Key()] = struct{}{}

		switch def.Role {
		case RolePrimary:
			if r.primary != -1 {
				return nil, &RegistryError{Name: def.Name, Err: fmt.Errorf("%w: second primary service", ErrRole)}
			}
			r.primary = idx
		case RoleTerminal:
			if r.terminal != -1 {
				return nil, &RegistryError{Name: def.Name, Err: fmt.Errorf("%w: second terminal service", ErrRole)}
			}
			r.terminal = idx
		case RoleOrdinary:
		default:
			return nil, &RegistryError{Name: def.Name, Err: fmt.Errorf("%w: unknown %s", ErrRole, def.Role)}
		}
		r.defs = append(r.defs, def)
	}

	if r.primary == -1 {
		return nil, &RegistryError{Err: fmt.Errorf("%w: no primary service", ErrRole)}
	}
	if r.terminal == -1 {
		return nil, &RegistryError{Err: fmt.Errorf("%w: no terminal service", ErrRole)}
	}
	return r, nil
}

func (r *Registry) Primary() Definition {
	return r.defs[r.primary]
}

func (r *Registry) Terminal() Definition {
	return r.defs[r.terminal]
}

// Ordinary returns the definitions which are neither primary nor terminal
// in registration order.
func (r *Registry) Ordinary() []Definition {
	ret := make([]Definition, 0, len(r.defs))
	for _, def := range r.defs {
		if def.Role == RoleOrdinary {
			ret = append(ret, def)
		}
	}
	return ret
}

func (r *Registry) All() []Definition {
	return append([]Definition(nil), r.defs...)
}

// Lookup finds a definition by case insensitive name.
func (r *Registry) Lookup(name string) (Definition, error) {
	key := strings.ToLower(name)
	for _, def := range r.defs {
		if def.Key() == key {
			return def, nil
		}
	}
	return Definition{}, &RegistryError{Name: name, Err: ErrNotFound}
}
