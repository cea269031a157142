package index

import (
	"sync"

	"github.com/pkg/errors"
)

// Match is a neighbour resolved to its identity token.
type Match struct {
	Token    string  `json:"identity_token"`
	Slot     int     `json:"-"`
	Distance float32 `json:"distance"`
}

// Identities maps index slots to identity tokens. Register is exclusive so
// a slot and its token appear together; Match runs under the shared lock.
type Identities struct {
	mu     sync.RWMutex
	flat   *Flat
	tokens []string
}

// NewIdentities creates an empty index of dimension dim (0 for lazy).
func NewIdentities(dim int) *Identities {
	return &Identities{flat: NewFlat(dim)}
}

// Register inserts vec and assigns token to the new slot.
func (id *Identities) Register(vec []float32, token string) (int, error) {
	if token == "" {
		return -1, errors.New("register: empty token")
	}
	id.mu.Lock()
	defer id.mu.Unlock()

	slot, err := id.flat.Insert(vec)
	if err != nil {
		return -1, errors.Wrap(err, "register")
	}
	id.tokens = append(id.tokens, token)
	return slot, nil
}

// Check reports whether Register would accept vec.
func (id *Identities) Check(vec []float32) error {
	id.mu.RLock()
	defer id.mu.RUnlock()
	return id.flat.check(vec)
}

// Match returns the k nearest identities.
func (id *Identities) Match(vec []float32, k int) ([]Match, error) {
	return id.MatchFunc(vec, k, nil)
}

// MatchFunc returns the k nearest identities whose token keep accepts. A
// nil keep accepts every token.
func (id *Identities) MatchFunc(vec []float32, k int, keep func(token string) bool) ([]Match, error) {
	id.mu.RLock()
	defer id.mu.RUnlock()

	var slotKeep func(int) bool
	if keep != nil {
		slotKeep = func(slot int) bool { return keep(id.tokens[slot]) }
	}
	hits, err := id.flat.Search(vec, k, slotKeep)
	if err != nil {
		return nil, errors.Wrap(err, "match")
	}
	out := make([]Match, len(hits))
	for i, h := range hits {
		out[i] = Match{Token: id.tokens[h.Slot], Slot: h.Slot, Distance: h.Distance}
	}
	return out, nil
}

// Token returns the identity at slot.
func (id *Identities) Token(slot int) (string, bool) {
	id.mu.RLock()
	defer id.mu.RUnlock()
	if slot < 0 || slot >= len(id.tokens) {
		return "", false
	}
	return id.tokens[slot], true
}

// Len returns the number of registered identities.
func (id *Identities) Len() int {
	id.mu.RLock()
	defer id.mu.RUnlock()
	return id.flat.Len()
}

// Dim returns the vector dimension, 0 until known.
func (id *Identities) Dim() int {
	id.mu.RLock()
	defer id.mu.RUnlock()
	return id.flat.Dim()
}
