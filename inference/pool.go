package inference

import (
	"context"

	"github.com/pkg/errors"
)

// Pool spreads runs over several sessions of the same model so concurrent
// requests do not queue on one session lock.
type Pool struct {
	sessions []*Session
	free     chan *Session
}

// NewPool creates size sessions from the same arguments. A size below one
// is treated as one.
func NewPool(args SessionArgs, size int) (*Pool, error) {
	if size < 1 {
		size = 1
	}
	p := &Pool{free: make(chan *Session, size)}
	for i := 0; i < size; i++ {
		s, err := NewSession(args)
		if err != nil {
			p.Close()
			return nil, err
		}
		p.sessions = append(p.sessions, s)
		p.free <- s
	}
	return p, nil
}

// Infer runs on the first free session, waiting for one when all are busy.
func (p *Pool) Infer(ctx context.Context, inputs ...[]float32) ([][]float32, error) {
	var s *Session
	select {
	case s = <-p.free:
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), "wait for session")
	}

	out, err := s.Infer(ctx, inputs...)
	if err != nil && ctx.Err() != nil {
		// The abandoned run still owns the session; hand it back once the
		// runtime releases the lock.
		go func() {
			s.wait()
			p.free <- s
		}()
		return nil, err
	}
	p.free <- s
	return out, err
}

// Metrics returns one snapshot per pooled session.
func (p *Pool) Metrics() []SessionMetrics {
	out := make([]SessionMetrics, 0, len(p.sessions))
	for _, s := range p.sessions {
		out = append(out, s.Metrics())
	}
	return out
}

// Close closes every session in the pool.
func (p *Pool) Close() error {
	var first error
	for _, s := range p.sessions {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
