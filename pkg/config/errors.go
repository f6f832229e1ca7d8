package config

import (
	"errors"
	"fmt"
)

var (
	ErrModelNotFound      = errors.New("model not found")
	ErrParametersNotFound = errors.New("parameters not found")
	ErrValidation         = errors.New("validation error")
)

// NotFoundError names the model or parameter set that a lookup missed.
type NotFoundError struct {
	Kind string
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found in configuration", e.Kind, e.Name)
}

func (e *NotFoundError) Is(target error) bool {
	switch e.Kind {
	case "model":
		return target == ErrModelNotFound
	case "parameters":
		return target == ErrParametersNotFound
	}
	return false
}

// ValidationError reports an invalid configuration value.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e == nil {
		return ErrValidation.Error()
	}
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", ErrValidation, e.Reason)
	}
	return fmt.Sprintf("%s (%s): %s", ErrValidation, e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }
