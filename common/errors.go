// Package common - shared detection types and pipeline errors.
package common

import (
	"fmt"

	"github.com/pkg/errors"
)

// Pipeline error tags. Stage failures wrap one of these so callers can
// classify them with errors.Is.
var (
	// ErrInvalidImage is returned when a payload is not a decodable image.
	ErrInvalidImage = errors.New("invalid image")
	// ErrDetectionCountMismatch is matched by *DetectionCountError.
	ErrDetectionCountMismatch = errors.New("detection count mismatch")
	// ErrEmptyCrop is returned when a derived crop region has zero area.
	ErrEmptyCrop = errors.New("empty crop")
	// ErrUnknownVariant is returned for an unrecognised preprocessing variant.
	ErrUnknownVariant = errors.New("unknown variant")
	// ErrModelUnavailable is returned when a required model is not loaded.
	ErrModelUnavailable = errors.New("model unavailable")
	// ErrNotFound is returned when an identity record does not exist.
	ErrNotFound = errors.New("not found")
)

// DetectionCountError reports how many subjects of the target class were
// found when exactly one was required.
type DetectionCountError struct {
	Class string
	Count int
}

// Error implements the error interface.
func (e *DetectionCountError) Error() string {
	return fmt.Sprintf("found %d %s(s) in the image; upload a photo containing exactly one", e.Count, e.Class)
}

// Is matches ErrDetectionCountMismatch.
func (e *DetectionCountError) Is(target error) bool {
	return target == ErrDetectionCountMismatch
}
