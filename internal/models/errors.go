package models

import (
	"errors"
	"fmt"
)

// ErrValidation represents a validation error with field and message.
type ErrValidation struct {
	Field   string
	Message string
}

func (e ErrValidation) Error() string {
	return fmt.Sprintf("validation error on field %s: %s", e.Field, e.Message)
}

var (
	// ErrTranscodeNotFound indicates a ledger row does not exist.
	ErrTranscodeNotFound = errors.New("transcode not found")

	// ErrInputNameRequired indicates a transcode without an input name.
	ErrInputNameRequired = errors.New("input name is required")

	// ErrInvalidStrategy indicates an unknown encode strategy.
	ErrInvalidStrategy = errors.New("invalid strategy: must be 'sequential' or 'parallel'")

	// ErrArtifactNameRequired indicates an artifact row without a file name.
	ErrArtifactNameRequired = errors.New("artifact name is required")
)
