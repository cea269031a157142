// Package store persists enrolled identities: the embedding, the crops it
// came from and what the classifiers said about them.
package store

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// Driver names a Store implementation.
type Driver string

const (
	DriverMemory   Driver = "memory"
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

// Box is the detector box an identity was cropped from, in source pixels.
type Box struct {
	X1         float32 `json:"x1"`
	Y1         float32 `json:"y1"`
	X2         float32 `json:"x2"`
	Y2         float32 `json:"y2"`
	Confidence float32 `json:"confidence"`
}

// Dimensions is a width and height in pixels.
type Dimensions struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Record is one enrolled identity.
type Record struct {
	// Token is the opaque identity handed to the caller.
	Token string `json:"identity_token"`
	// Seq orders records by insertion. Assigned by Save.
	Seq int64 `json:"seq"`
	// Variant is the preprocessing applied before embedding.
	Variant     string `json:"variant"`
	TargetClass string `json:"target_class"`
	// ImageDigest is the SHA-256 of the uploaded payload.
	ImageDigest string     `json:"image_digest"`
	Box         Box        `json:"box"`
	Crop        Dimensions `json:"crop_dimensions"`
	Nose        Dimensions `json:"nose_dimensions"`
	// Species is empty when no species classifier is loaded.
	Species           string   `json:"species,omitempty"`
	SpeciesConfidence float32  `json:"species_confidence,omitempty"`
	NoseFeatures      []string `json:"nose_features,omitempty"`

	Embedding   []float32 `json:"-"`
	PrimaryCrop []byte    `json:"-"`
	NoseCrop    []byte    `json:"-"`

	CreatedAt time.Time  `json:"created_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// Deleted reports whether the record has been tombstoned.
func (r *Record) Deleted() bool {
	return r.DeletedAt != nil
}

// Validate checks the fields Save requires.
func (r *Record) Validate() error {
	if r.Token == "" {
		return errors.New("record: empty token")
	}
	if len(r.Embedding) == 0 {
		return errors.New("record: empty embedding")
	}
	if r.Variant == "" {
		return errors.New("record: empty variant")
	}
	return nil
}

// ListOptions pages through records in insertion order.
type ListOptions struct {
	Limit  int
	Offset int
	// IncludeDeleted also returns tombstoned records.
	IncludeDeleted bool
}

// DefaultListLimit applies when ListOptions.Limit is not positive.
const DefaultListLimit = 50

// Store persists identity records.
//
// Get and Delete return an error matching common.ErrNotFound for unknown or
// already deleted tokens. Purge removes a record outright, tombstoned or
// not, and returns common.ErrNotFound only for unknown tokens. Each visits
// every record, tombstoned ones included, in insertion order.
type Store interface {
	Save(ctx context.Context, r *Record) error
	Get(ctx context.Context, token string) (*Record, error)
	List(ctx context.Context, opts ListOptions) ([]*Record, int, error)
	Delete(ctx context.Context, token string) error
	Purge(ctx context.Context, token string) error
	Each(ctx context.Context, fn func(*Record) error) error
	Close() error
}
