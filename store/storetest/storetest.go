// Package storetest is a conformance suite run against every store.Store.
package storetest

import (
	"context"
	"fmt"
	"testing"

	"github.com/nvr-ai/go-petid/common"
	"github.com/nvr-ai/go-petid/store"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Record returns a valid record with a distinct token and embedding.
func Record(n int) *store.Record {
	return &store.Record{
		Token:             fmt.Sprintf("00000000-0000-4000-8000-%012d", n),
		Variant:           "original",
		TargetClass:       "dog",
		ImageDigest:       fmt.Sprintf("digest-%d", n),
		Box:               store.Box{X1: 50, Y1: 50, X2: 150, Y2: 200, Confidence: 0.9},
		Crop:              store.Dimensions{Width: 150, Height: 150},
		Nose:              store.Dimensions{Width: 20, Height: 20},
		Species:           "shiba_inu",
		SpeciesConfidence: 0.75,
		NoseFeatures:      []string{"dark_skin"},
		Embedding:         []float32{float32(n), 0.5, -1},
		PrimaryCrop:       []byte{0xff, 0xd8, byte(n)},
		NoseCrop:          []byte{0xff, 0xd8},
	}
}

// Run exercises s, which must start empty.
func Run(t *testing.T, s store.Store) {
	ctx := context.Background()

	t.Run("save and get", func(t *testing.T) {
		r := Record(1)
		require.NoError(t, s.Save(ctx, r))
		assert.Positive(t, r.Seq)
		assert.False(t, r.CreatedAt.IsZero())

		got, err := s.Get(ctx, r.Token)
		require.NoError(t, err)
		assert.Equal(t, r.Token, got.Token)
		assert.Equal(t, r.Seq, got.Seq)
		assert.Equal(t, r.Embedding, got.Embedding)
		assert.Equal(t, r.Box, got.Box)
		assert.Equal(t, r.Crop, got.Crop)
		assert.Equal(t, r.Nose, got.Nose)
		assert.Equal(t, r.Species, got.Species)
		assert.Equal(t, []string{"dark_skin"}, got.NoseFeatures)
		assert.Equal(t, r.PrimaryCrop, got.PrimaryCrop)
		assert.False(t, got.Deleted())
	})

	t.Run("rejects invalid and duplicate records", func(t *testing.T) {
		bad := Record(2)
		bad.Embedding = nil
		assert.Error(t, s.Save(ctx, bad))
		assert.Error(t, s.Save(ctx, Record(1)))
	})

	t.Run("get unknown", func(t *testing.T) {
		_, err := s.Get(ctx, "missing")
		assert.True(t, errors.Is(err, common.ErrNotFound))
	})

	t.Run("list pages in insertion order", func(t *testing.T) {
		for n := 2; n <= 5; n++ {
			require.NoError(t, s.Save(ctx, Record(n)))
		}
		page, total, err := s.List(ctx, store.ListOptions{Limit: 2, Offset: 1})
		require.NoError(t, err)
		assert.Equal(t, 5, total)
		require.Len(t, page, 2)
		assert.Equal(t, Record(2).Token, page[0].Token)
		assert.Equal(t, Record(3).Token, page[1].Token)

		page, _, err = s.List(ctx, store.ListOptions{Offset: 10})
		require.NoError(t, err)
		assert.Empty(t, page)
	})

	t.Run("delete tombstones", func(t *testing.T) {
		token := Record(3).Token
		require.NoError(t, s.Delete(ctx, token))
		assert.True(t, errors.Is(s.Delete(ctx, token), common.ErrNotFound), "second delete")
		assert.True(t, errors.Is(s.Delete(ctx, "missing"), common.ErrNotFound))

		_, err := s.Get(ctx, token)
		assert.True(t, errors.Is(err, common.ErrNotFound))

		_, live, err := s.List(ctx, store.ListOptions{})
		require.NoError(t, err)
		assert.Equal(t, 4, live)
		all, total, err := s.List(ctx, store.ListOptions{IncludeDeleted: true})
		require.NoError(t, err)
		assert.Equal(t, 5, total)
		assert.True(t, all[2].Deleted())
	})

	t.Run("each visits everything in order", func(t *testing.T) {
		var tokens []string
		var deleted int
		require.NoError(t, s.Each(ctx, func(r *store.Record) error {
			tokens = append(tokens, r.Token)
			if r.Deleted() {
				deleted++
			}
			return nil
		}))
		require.Len(t, tokens, 5)
		for i, tok := range tokens {
			assert.Equal(t, Record(i+1).Token, tok)
		}
		assert.Equal(t, 1, deleted)

		stop := errors.New("stop")
		calls := 0
		err := s.Each(ctx, func(*store.Record) error {
			calls++
			return stop
		})
		assert.Equal(t, stop, err)
		assert.Equal(t, 1, calls)
	})
	t.Run("purge removes outright", func(t *testing.T) {
		live := Record(6)
		require.NoError(t, s.Save(ctx, live))
		require.NoError(t, s.Purge(ctx, live.Token))
		_, err := s.Get(ctx, live.Token)
		assert.True(t, errors.Is(err, common.ErrNotFound))

		tombstoned := Record(3).Token
		require.NoError(t, s.Purge(ctx, tombstoned))
		assert.True(t, errors.Is(s.Purge(ctx, tombstoned), common.ErrNotFound), "second purge")

		var tokens []string
		require.NoError(t, s.Each(ctx, func(r *store.Record) error {
			tokens = append(tokens, r.Token)
			return nil
		}))
		assert.Equal(t, []string{Record(1).Token, Record(2).Token, Record(4).Token, Record(5).Token}, tokens)

		_, total, err := s.List(ctx, store.ListOptions{IncludeDeleted: true})
		require.NoError(t, err)
		assert.Equal(t, 4, total)

		require.NoError(t, s.Save(ctx, Record(7)), "purged tokens do not block later saves")
		require.NoError(t, s.Purge(ctx, Record(7).Token))
	})
}
