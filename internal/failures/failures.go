// Package failures classifies render pipeline errors. Render errors fail a
// job and validation errors reject it; the other classes degrade the job and
// are logged.
package failures

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrValidation  = errors.New("validation error")
	ErrSynthesis   = errors.New("synthesis error")
	ErrBundling    = errors.New("bundling error")
	ErrRender      = errors.New("render error")
	ErrUpload      = errors.New("upload error")
	ErrPersistence = errors.New("persistence error")
	ErrNotFound    = errors.New("not found")
)

// Wrap tags err with marker and prefixes the stage, operation and message
// context. The result matches both marker and err under errors.Is.
func Wrap(marker error, stage, operation, message string, err error) error {
	detail := buildDetail(stage, operation, message)
	if marker == nil {
		marker = ErrRender
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// Validation is shorthand for a validation failure without a cause.
func Validation(operation, message string) error {
	return Wrap(ErrValidation, "", operation, message, nil)
}

// Fatal reports whether err should move a job to the failed state.
func Fatal(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrRender), errors.Is(err, ErrValidation):
		return true
	case errors.Is(err, ErrSynthesis), errors.Is(err, ErrBundling),
		errors.Is(err, ErrUpload), errors.Is(err, ErrPersistence):
		return false
	default:
		return true
	}
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	for _, p := range []string{stage, operation, message} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		return "render failure"
	}
	return strings.Join(parts, ": ")
}
