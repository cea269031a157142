package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/nvr-ai/go-petid/store/storetest"
)

func TestStore(t *testing.T) {
	if testing.Short() {
		t.Skip("postgres container test skipped in -short mode")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctr, err := tcpostgres.Run(ctx, "pgvector/pgvector:pg16",
		tcpostgres.WithDatabase("petid"),
		tcpostgres.WithUsername("petid"),
		tcpostgres.WithPassword("petid"),
		tcpostgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err)

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	s, err := Open(ctx, dsn, 3)
	require.NoError(t, err)
	defer s.Close()

	storetest.Run(t, s)
}
