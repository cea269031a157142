// Package sqlite is a Store on an embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/nvr-ai/go-petid/common"
	"github.com/nvr-ai/go-petid/index"
	"github.com/nvr-ai/go-petid/store"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

const schema = `
CREATE TABLE IF NOT EXISTS identities (
    seq                INTEGER PRIMARY KEY AUTOINCREMENT,
    token              TEXT    NOT NULL UNIQUE,
    variant            TEXT    NOT NULL,
    target_class       TEXT    NOT NULL,
    image_digest       TEXT    NOT NULL DEFAULT '',
    box_x1             REAL    NOT NULL DEFAULT 0,
    box_y1             REAL    NOT NULL DEFAULT 0,
    box_x2             REAL    NOT NULL DEFAULT 0,
    box_y2             REAL    NOT NULL DEFAULT 0,
    box_confidence     REAL    NOT NULL DEFAULT 0,
    crop_width         INTEGER NOT NULL DEFAULT 0,
    crop_height        INTEGER NOT NULL DEFAULT 0,
    nose_width         INTEGER NOT NULL DEFAULT 0,
    nose_height        INTEGER NOT NULL DEFAULT 0,
    species            TEXT    NOT NULL DEFAULT '',
    species_confidence REAL    NOT NULL DEFAULT 0,
    nose_features      TEXT    NOT NULL DEFAULT '[]',
    embedding          BLOB    NOT NULL,
    primary_crop       BLOB,
    nose_crop          BLOB,
    created_at         INTEGER NOT NULL,
    deleted_at         INTEGER
);
`

const columns = `seq, token, variant, target_class, image_digest,
    box_x1, box_y1, box_x2, box_y2, box_confidence,
    crop_width, crop_height, nose_width, nose_height,
    species, species_confidence, nose_features, embedding,
    primary_crop, nose_crop, created_at, deleted_at`

// Store is a SQLite-backed store.Store.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at dsn, e.g. "petid.db" or
// "file::memory:?cache=shared".
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// SQLite allows one writer; a single connection also keeps in-memory
	// databases alive for the lifetime of the store.
	db.SetMaxOpenConns(1)

	s, err := New(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an open database and ensures the schema exists.
func New(ctx context.Context, db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("sqlite: db is nil")
	}
	for _, stmt := range []string{`PRAGMA busy_timeout = 5000`, `PRAGMA journal_mode = WAL`, schema} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, errors.Wrap(err, "sqlite: ensure schema")
		}
	}
	return &Store{db: db}, nil
}

// Save inserts r and assigns Seq and CreatedAt.
func (s *Store) Save(ctx context.Context, r *store.Record) error {
	if err := r.Validate(); err != nil {
		return err
	}
	features, err := json.Marshal(nonNil(r.NoseFeatures))
	if err != nil {
		return errors.Wrap(err, "encode nose features")
	}
	created := time.Now().UTC()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO identities (token, variant, target_class, image_digest,
		    box_x1, box_y1, box_x2, box_y2, box_confidence,
		    crop_width, crop_height, nose_width, nose_height,
		    species, species_confidence, nose_features, embedding,
		    primary_crop, nose_crop, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Token, r.Variant, r.TargetClass, r.ImageDigest,
		r.Box.X1, r.Box.Y1, r.Box.X2, r.Box.Y2, r.Box.Confidence,
		r.Crop.Width, r.Crop.Height, r.Nose.Width, r.Nose.Height,
		r.Species, r.SpeciesConfidence, string(features), index.EncodeVector(r.Embedding),
		r.PrimaryCrop, r.NoseCrop, created.UnixNano(),
	)
	if err != nil {
		return errors.Wrapf(err, "save record %s", r.Token)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "save record: read seq")
	}
	r.Seq = seq
	r.CreatedAt = created
	return nil
}

// Get returns a live record.
func (s *Store) Get(ctx context.Context, token string) (*store.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+columns+` FROM identities WHERE token = ? AND deleted_at IS NULL`, token)
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
		`SELECT `+columns+` FROM identities `+where+` ORDER BY seq LIMIT ? OFFSET ?`, limit, opts.Offset)
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
		`UPDATE identities SET deleted_at = ? WHERE token = ? AND deleted_at IS NULL`,
		time.Now().UTC().UnixNano(), token)
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
	res, err := s.db.ExecContext(ctx, `DELETE FROM identities WHERE token = ?`, token)
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

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scan(row scanner) (*store.Record, error) {
	var (
		r         store.Record
		features  string
		embedding []byte
		created   int64
		deleted   sql.NullInt64
	)
	err := row.Scan(&r.Seq, &r.Token, &r.Variant, &r.TargetClass, &r.ImageDigest,
		&r.Box.X1, &r.Box.Y1, &r.Box.X2, &r.Box.Y2, &r.Box.Confidence,
		&r.Crop.Width, &r.Crop.Height, &r.Nose.Width, &r.Nose.Height,
		&r.Species, &r.SpeciesConfidence, &features, &embedding,
		&r.PrimaryCrop, &r.NoseCrop, &created, &deleted)
	if err != nil {
		return nil, err
	}
	if r.Embedding, err = index.DecodeVector(embedding); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(features), &r.NoseFeatures); err != nil {
		return nil, errors.Wrap(err, "decode nose features")
	}
	r.CreatedAt = time.Unix(0, created).UTC()
	if deleted.Valid {
		t := time.Unix(0, deleted.Int64).UTC()
		r.DeletedAt = &t
	}
	return &r, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
