package service

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("service not found")
	ErrDuplicate         = errors.New("duplicate service name")
	ErrRole              = errors.New("invalid service role")
	ErrInvalidDefinition = errors.New("invalid service definition")
	ErrWrongType         = errors.New("unexpected service type")
	ErrAlreadyStarted    = errors.New("supervisor already started")
	ErrNilService        = errors.New("factory returned nil service")
)

// StartError is returned when a service's Start fails. It unwraps to the
// cause returned by the service.
type StartError struct {
	Service string
	Err     error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("starting service %s: %v", e.Service, e.Err)
}

func (e *StartError) Unwrap() error {
	return e.Err
}

// RegistryError is returned for a malformed registry or a lookup of an
// unknown service. It is never fatal to the Supervisor.
type RegistryError struct {
	Name string
	Err  error
}

func (e *RegistryError) Error() string {
	if e.Name == "" {
		return "service registry: " + e.Err.Error()
	}
	return fmt.Sprintf("service registry: %s: %v", e.Name, e.Err)
}

func (e *RegistryError) Unwrap() error {
	return e.Err
}
