package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/nvr-ai/go-petid/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore(t *testing.T) {
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "petid.db"))
	require.NoError(t, err)
	defer s.Close()
	storetest.Run(t, s)
}

func TestStoreReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "petid.db")

	s, err := Open(ctx, path)
	require.NoError(t, err)
	r := storetest.Record(7)
	require.NoError(t, s.Save(ctx, r))
	require.NoError(t, s.Close())

	s, err = Open(ctx, path)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Get(ctx, r.Token)
	require.NoError(t, err)
	assert.Equal(t, r.Embedding, got.Embedding)
	assert.Equal(t, r.CreatedAt.UnixNano(), got.CreatedAt.UnixNano())
}

func TestStoreInMemory(t *testing.T) {
	s, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Save(context.Background(), storetest.Record(1)))
}
