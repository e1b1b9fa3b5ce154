package db

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIntegrationStore(t *testing.T) {
	t.Parallel()

	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		t.Skip("skipping integration test, POSTGRES_DSN not set")
	}

	ctx := context.Background()
	store, err := NewStore(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(store.Close)

	if err := store.pool.Ping(ctx); err != nil {
		t.Skipf("skipping integration test, postgres unreachable: %v", err)
	}
	require.NoError(t, store.Init(ctx))

	u, err := store.GetUser(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 1, u.ID)
	require.NotEmpty(t, u.Email)
	require.False(t, u.CreatedAt.IsZero())

	refreshed, err := store.RefreshUser(ctx, 1)
	require.NoError(t, err)
	require.Contains(t, refreshed.Name, "refreshed at")

	_, err = store.GetUser(ctx, -1)
	require.ErrorIs(t, err, ErrUserNotFound)
}

func TestNilStore(t *testing.T) {
	t.Parallel()

	var s *Store
	_, err := s.GetUser(context.Background(), 1)
	require.Error(t, err)
	require.Error(t, s.Init(context.Background()))
	s.Close()
}
