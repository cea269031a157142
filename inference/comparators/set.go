package comparators

import (
	"sync"

	"github.com/nvr-ai/go-petid/common"
	"github.com/nvr-ai/go-petid/models/model/preprocess"
	"github.com/pkg/errors"
)

// Set holds one comparator per variant. Variants load independently; a
// missing model only makes its own variant unavailable.
type Set struct {
	mu          sync.RWMutex
	comparators map[preprocess.Variant]*Comparator
	failures    map[preprocess.Variant]error
	def         preprocess.Variant
	pinned      bool
}

// NewSet creates an empty set.
func NewSet() *Set {
	return &Set{
		comparators: make(map[preprocess.Variant]*Comparator),
		failures:    make(map[preprocess.Variant]error),
	}
}

// Add registers a loaded comparator and re-picks the default unless one was
// chosen explicitly.
func (s *Set) Add(c *Comparator) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.comparators[c.Variant()] = c
	delete(s.failures, c.Variant())
	if !s.pinned {
		s.def = s.preferred()
	}
}

// MarkUnavailable records why a variant could not be loaded.
func (s *Set) MarkUnavailable(v preprocess.Variant, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[v] = err
}

// preferred returns the first loaded variant in preference order.
func (s *Set) preferred() preprocess.Variant {
	for _, v := range preprocess.Variants {
		if _, ok := s.comparators[v]; ok {
			return v
		}
	}
	return ""
}

// Get returns the comparator for v. An empty v selects the default.
//
// Returns:
//   - error: common.ErrUnknownVariant for an invalid name,
//     common.ErrModelUnavailable when the variant did not load.
func (s *Set) Get(v preprocess.Variant) (*Comparator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if v == "" {
		v = s.def
		if v == "" {
			return nil, errors.Wrap(common.ErrModelUnavailable, "no comparator loaded")
		}
	}
	if !v.Valid() {
		return nil, errors.Wrapf(common.ErrUnknownVariant, "%q", v)
	}
	c, ok := s.comparators[v]
	if !ok {
		if err := s.failures[v]; err != nil {
			return nil, errors.Wrapf(common.ErrModelUnavailable, "comparator %s: %v", v, err)
		}
		return nil, errors.Wrapf(common.ErrModelUnavailable, "comparator %s", v)
	}
	return c, nil
}

// Default returns the variant used when a request names none.
func (s *Set) Default() preprocess.Variant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.def
}

// SetDefault switches the default variant. The variant must be loaded.
func (s *Set) SetDefault(v preprocess.Variant) error {
	if !v.Valid() {
		return errors.Wrapf(common.ErrUnknownVariant, "%q", v)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.comparators[v]; !ok {
		return errors.Wrapf(common.ErrModelUnavailable, "comparator %s", v)
	}
	s.def = v
	s.pinned = true
	return nil
}

// Available lists loaded variants in preference order.
func (s *Set) Available() []preprocess.Variant {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []preprocess.Variant
	for _, v := range preprocess.Variants {
		if _, ok := s.comparators[v]; ok {
			out = append(out, v)
		}
	}
	return out
}

// Close closes every comparator.
func (s *Set) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var first error
	for v, c := range s.comparators {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
		delete(s.comparators, v)
	}
	s.def = ""
	s.pinned = false
	return first
}
