package pipeline

import (
	"context"

	"github.com/nvr-ai/go-petid/common"
	"github.com/nvr-ai/go-petid/models"
	"github.com/nvr-ai/go-petid/models/model/preprocess"
	"github.com/nvr-ai/go-petid/regions"
	"github.com/nvr-ai/go-petid/store"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ModelsReport describes what is loaded.
type ModelsReport struct {
	Models []models.Status `json:"models"`
	// Variants lists the comparator variants that loaded, in preference order.
	Variants []preprocess.Variant `json:"variants"`
	// Default is the comparator variant used when a request names none.
	Default preprocess.Variant `json:"default"`
	// EmbeddingVariant is the preprocessing used for enrolment and matching
	// when a request names none.
	EmbeddingVariant preprocess.Variant `json:"embedding_variant"`
}

// Models reports model availability and the default variants.
func (s *Service) Models() ModelsReport {
	r := ModelsReport{
		Variants:         s.engine.Comparators.Available(),
		Default:          s.engine.Comparators.Default(),
		EmbeddingVariant: s.cfg.DefaultVariant,
	}
	if r.Variants == nil {
		r.Variants = []preprocess.Variant{}
	}
	if s.engine.Registry != nil {
		r.Models = s.engine.Registry.Statuses()
	}
	return r
}

// SetDefaultVariant switches the comparator used when a request names no
// variant.
//
// Returns:
//   - error: common.ErrUnknownVariant for an invalid name,
//     common.ErrModelUnavailable when that comparator did not load.
func (s *Service) SetDefaultVariant(v preprocess.Variant) error {
	if err := s.engine.Comparators.SetDefault(v); err != nil {
		return err
	}
	s.log.WithField("variant", v).Info("default comparator switched")
	return nil
}

// RecordPage is one page of enrolled identities.
type RecordPage struct {
	Records []*store.Record `json:"records"`
	Total   int             `json:"total"`
	Limit   int             `json:"limit"`
	Offset  int             `json:"offset"`
}

// Records lists enrolled identities in enrolment order.
func (s *Service) Records(ctx context.Context, opts store.ListOptions) (*RecordPage, error) {
	if opts.Limit <= 0 {
		opts.Limit = store.DefaultListLimit
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	recs, total, err := s.store.List(ctx, opts)
	if err != nil {
		return nil, errors.Wrap(err, "list records")
	}
	if recs == nil {
		recs = []*store.Record{}
	}
	return &RecordPage{Records: recs, Total: total, Limit: opts.Limit, Offset: opts.Offset}, nil
}

// Record returns one identity.
func (s *Service) Record(ctx context.Context, token string) (*store.Record, error) {
	return s.store.Get(ctx, token)
}

// RecordCrop returns a stored JPEG crop. An empty kind selects the nose.
func (s *Service) RecordCrop(ctx context.Context, token string, kind regions.Kind) ([]byte, error) {
	rec, err := s.store.Get(ctx, token)
	if err != nil {
		return nil, err
	}
	var crop []byte
	switch kind {
	case regions.KindAll, regions.KindNose:
		crop = rec.NoseCrop
	case regions.KindPrimary:
		crop = rec.PrimaryCrop
	default:
		return nil, errors.Errorf("unknown region kind %q", kind)
	}
	if len(crop) == 0 {
		return nil, errors.Wrapf(common.ErrNotFound, "%s crop of %s", kind, token)
	}
	return crop, nil
}

// DeleteRecord tombstones an identity. Its embedding stays in the index
// but is no longer matched.
func (s *Service) DeleteRecord(ctx context.Context, token string) error {
	if err := s.store.Delete(ctx, token); err != nil {
		return err
	}

	s.mu.Lock()
	if st, ok := s.tokens[token]; ok {
		st.deleted = true
		s.tokens[token] = st
	}
	s.mu.Unlock()

	LoggerFrom(ctx, s.log).WithField("identity_token", token).Info("identity deleted")
	return nil
}

// Rehydrate registers every stored identity, deleted ones included, in
// enrolment order so index slots match the store. Records whose embedding
// the index would reject are logged and skipped. It must run before any
// enrolment.
//
// Returns:
//   - int: The number of identities registered.
//   - error: A non-empty index, or a store or dimension failure.
func (s *Service) Rehydrate(ctx context.Context) (int, error) {
	if n := s.ids.Len(); n > 0 {
		return 0, errors.Errorf("rehydrate: index already holds %d identities", n)
	}
	var n, deleted, skipped int
	err := s.store.Each(ctx, func(rec *store.Record) error {
		if err := s.ids.Check(rec.Embedding); err != nil {
			s.log.WithError(err).WithField("identity_token", rec.Token).Warn("skip unusable embedding")
			skipped++
			return nil
		}
		if err := s.register(rec); err != nil {
			return errors.Wrapf(err, "identity %s", rec.Token)
		}
		n++
		if rec.Deleted() {
			deleted++
		}
		return nil
	})
	if err != nil {
		return n, errors.Wrap(err, "rehydrate")
	}
	s.log.WithFields(logrus.Fields{"identities": n, "deleted": deleted, "skipped": skipped}).Info("index rehydrated")
	return n, nil
}
