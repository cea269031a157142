// Package postgres is a Store on PostgreSQL with the pgvector extension.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/nvr-ai/go-petid/common"
	"github.com/nvr-ai/go-petid/store"
	"github.com/pgvector/pgvector-go"
	"github.com/pkg/errors"
)

const schemaTemplate = `
CREATE EXTENSION IF NOT EXISTS vector;
CREATE TABLE IF NOT EXISTS identities (
    seq                BIGSERIAL   PRIMARY KEY,
    token              TEXT        NOT NULL UNIQUE,
    variant            TEXT        NOT NULL,
    target_class       TEXT        NOT NULL,
    image_digest       TEXT        NOT NULL DEFAULT '',
    box_x1             REAL        NOT NULL DEFAULT 0,
    box_y1             REAL        NOT NULL DEFAULT 0,
    box_x2             REAL        NOT NULL DEFAULT 0,
    box_y2             REAL        NOT NULL DEFAULT 0,
    box_confidence     REAL        NOT NULL DEFAULT 0,
    crop_width         INTEGER     NOT NULL DEFAULT 0,
    crop_height        INTEGER     NOT NULL DEFAULT 0,
    nose_width         INTEGER     NOT NULL DEFAULT 0,
    nose_height        INTEGER     NOT NULL DEFAULT 0,
    species            TEXT        NOT NULL DEFAULT '',
    species_confidence REAL        NOT NULL DEFAULT 0,
    nose_features      TEXT[]      NOT NULL DEFAULT '{}',
    embedding          %s          NOT NULL,
    primary_crop       BYTEA,
    nose_crop          BYTEA,
    created_at         TIMESTAMPTZ NOT NULL,
    deleted_at         TIMESTAMPTZ
);
`

const columns = `seq, token, variant, target_class, image_digest,
    box_x1, box_y1, box_x2, box_y2, box_confidence,
    crop_width, crop_height, nose_width, nose_height,
    species, species_confidence, nose_features, embedding,
    primary_crop, nose_crop, created_at, deleted_at`

// Store is a PostgreSQL-backed store.Store.
type Store struct {
	db *sql.DB
}

// Open connects with lib/pq and ensures the schema exists.
//
// Arguments:
//   - ctx: Bounds the connection check and migration.
//   - dsn: A lib/pq connection string or URL.
//   - dim: Fixes the vector column to vector(dim); 0 leaves it unconstrained.
func Open(ctx context.Context, dsn string, dim int) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres")
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}
	s, err := New(ctx, db, dim)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an open database and ensures the schema exists.
func New(ctx context.Context, db *sql.DB, dim int) (*Store, error) {
	column := "vector"
	if dim > 0 {
		column = fmt.Sprintf("vector(%d)", dim)
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf(schemaTemplate, column)); err != nil {
		return nil, errors.Wrap(err, "postgres: ensure schema")
	}
	return &Store{db: db}, nil
}

// Save inserts r and assigns Seq and CreatedAt.
func (s *Store) Save(ctx context.Context, r *store.Record) error {
	if err := r.Validate(); err != nil {
		return err
	}
	features := r.NoseFeatures
	if features == nil {
		features = []string{}
	}
	created := time.Now().UTC()

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO identities (token, variant, target_class, image_digest,
		    box_x1, box_y1, box_x2, box_y2, box_confidence,
		    crop_width, crop_height, nose_width, nose_height,
		    species, species_confidence, nose_features, embedding,
		    primary_crop, nose_crop, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		RETURNING seq`,
		r.Token, r.Variant, r.TargetClass, r.ImageDigest,
		r.Box.X1, r.Box.Y1, r.Box.X2, r.Box.Y2, r.Box.Confidence,
		r.Crop.Width, r.Crop.Height, r.Nose.Width, r.Nose.Height,
		r.Species, r.SpeciesConfidence, pq.Array(features), pgvector.NewVector(r.Embedding),
		r.PrimaryCrop, r.NoseCrop, created,
	).Scan(&r.Seq)
	if err != nil {
		return errors.Wrapf(err, "save record %s", r.Token)
	}
	r.CreatedAt = created
	return nil
}

// Get returns a live record.
func (s *Store) Get(ctx context.Context, token string) (*store.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+columns+` FROM identities WHERE token = $1 AND deleted_at IS NULL`, token)
	r, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(common.ErrNotFound, "record %s", token)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get record %s", token)
	}
	return r, nil
}

// List returns one page and the total number of matching records.
func (s *Store) List(ctx context.Context, opts store.ListOptions) ([]*store.Record, int, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = store.DefaultListLimit
	}
	where := `WHERE deleted_at IS NULL`
	if opts.IncludeDeleted {
		where = ``
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM identities `+where).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, "count records")
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+columns+` FROM identities `+where+` ORDER BY seq LIMIT $1 OFFSET $2`, limit, opts.Offset)
	if err != nil {
		return nil, 0, errors.Wrap(err, "list records")
	}
	defer rows.Close()

	out := []*store.Record{}
	for rows.Next() {
		r, err := scan(rows)
		if err != nil {
			return nil, 0, errors.Wrap(err, "list records")
		}
		out = append(out, r)
	}
	return out, total, errors.Wrap(rows.Err(), "list records")
}

// Delete tombstones a live record.
func (s *Store) Delete(ctx context.Context, token string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE identities SET deleted_at = $1 WHERE token = $2 AND deleted_at IS NULL`,
		time.Now().UTC(), token)
	if err != nil {
		return errors.Wrapf(err, "delete record %s", token)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.Wrapf(common.ErrNotFound, "record %s", token)
	}
	return nil
}

// Purge removes a record and its tombstone.
func (s *Store) Purge(ctx context.Context, token string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM identities WHERE token = $1`, token)
	if err != nil {
		return errors.Wrapf(err, "purge record %s", token)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.Wrapf(common.ErrNotFound, "record %s", token)
	}
	return nil
}

// Each visits every record in insertion order.
func (s *Store) Each(ctx context.Context, fn func(*store.Record) error) error {
	rows, err := s.db.QueryContext(ctx, `SELECT `+columns+` FROM identities ORDER BY seq`)
	if err != nil {
		return errors.Wrap(err, "iterate records")
	}
	defer rows.Close()

	for rows.Next() {
		r, err := scan(rows)
		if err != nil {
			return errors.Wrap(err, "iterate records")
		}
		if err := fn(r); err != nil {
			return err
		}
	}
	return errors.Wrap(rows.Err(), "iterate records")
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scan(row scanner) (*store.Record, error) {
	var (
		r         store.Record
		features  pq.StringArray
		embedding pgvector.Vector
		deleted   sql.NullTime
	)
	err := row.Scan(&r.Seq, &r.Token, &r.Variant, &r.TargetClass, &r.ImageDigest,
		&r.Box.X1, &r.Box.Y1, &r.Box.X2, &r.Box.Y2, &r.Box.Confidence,
		&r.Crop.Width, &r.Crop.Height, &r.Nose.Width, &r.Nose.Height,
		&r.Species, &r.SpeciesConfidence, &features, &embedding,
		&r.PrimaryCrop, &r.NoseCrop, &r.CreatedAt, &deleted)
	if err != nil {
		return nil, err
	}
	r.NoseFeatures = features
	r.Embedding = embedding.Slice()
	r.CreatedAt = r.CreatedAt.UTC()
	if deleted.Valid {
		t := deleted.Time.UTC()
		r.DeletedAt = &t
	}
	return &r, nil
}
