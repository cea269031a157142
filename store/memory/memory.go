// Package memory is an in-process Store for tests and ephemeral runs.
package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/nvr-ai/go-petid/common"
	"github.com/nvr-ai/go-petid/store"
	"github.com/pkg/errors"
)

// Store keeps records in insertion order.
type Store struct {
	mu      sync.RWMutex
	records []*store.Record
	byToken map[string]*store.Record
	seq     int64
	now     func() time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{byToken: make(map[string]*store.Record), now: time.Now}
}

func clone(r *store.Record) *store.Record {
	c := *r
	c.Embedding = append([]float32(nil), r.Embedding...)
	c.NoseFeatures = append([]string(nil), r.NoseFeatures...)
	if r.DeletedAt != nil {
		t := *r.DeletedAt
		c.DeletedAt = &t
	}
	return &c
}

// Save stores a copy of r and assigns Seq and CreatedAt on r.
func (s *Store) Save(_ context.Context, r *store.Record) error {
	if err := r.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byToken[r.Token]; ok {
		return errors.Errorf("record %s already exists", r.Token)
	}
	s.seq++
	r.Seq = s.seq
	r.CreatedAt = s.now().UTC()
	c := clone(r)
	s.records = append(s.records, c)
	s.byToken[r.Token] = c
	return nil
}

// Get returns a live record.
func (s *Store) Get(_ context.Context, token string) (*store.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.byToken[token]
	if !ok || r.Deleted() {
		return nil, errors.Wrapf(common.ErrNotFound, "record %s", token)
	}
	return clone(r), nil
}

// List returns one page and the total number of matching records.
func (s *Store) List(_ context.Context, opts store.ListOptions) ([]*store.Record, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := opts.Limit
	if limit <= 0 {
		limit = store.DefaultListLimit
	}
	var matching []*store.Record
	for _, r := range s.records {
		if opts.IncludeDeleted || !r.Deleted() {
			matching = append(matching, r)
		}
	}
	total := len(matching)
	if opts.Offset >= total {
		return []*store.Record{}, total, nil
	}
	end := min(opts.Offset+limit, total)
	out := make([]*store.Record, 0, end-opts.Offset)
	for _, r := range matching[opts.Offset:end] {
		out = append(out, clone(r))
	}
	return out, total, nil
}

// Delete tombstones a live record.
func (s *Store) Delete(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.byToken[token]
	if !ok || r.Deleted() {
		return errors.Wrapf(common.ErrNotFound, "record %s", token)
	}
	now := s.now().UTC()
	r.DeletedAt = &now
	return nil
}

// Purge removes a record and its tombstone.
func (s *Store) Purge(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byToken[token]; !ok {
		return errors.Wrapf(common.ErrNotFound, "record %s", token)
	}
	delete(s.byToken, token)
	s.records = slices.DeleteFunc(s.records, func(r *store.Record) bool { return r.Token == token })
	return nil
}

// Each visits every record in insertion order.
func (s *Store) Each(ctx context.Context, fn func(*store.Record) error) error {
	s.mu.RLock()
	snapshot := make([]*store.Record, len(s.records))
	for i, r := range s.records {
		snapshot[i] = clone(r)
	}
	s.mu.RUnlock()

	for _, r := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(r); err != nil {
			return err
		}
	}
	return nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }
