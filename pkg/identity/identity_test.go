package identity

import (
	"context"
	"testing"
	"time"

	"github.com/example/piata/pkg/models"
	"github.com/example/piata/pkg/repository"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubReader struct {
	sessions map[string]*models.CartSession
	err      error
}

func (r *stubReader) Get(_ context.Context, id string) (*models.CartSession, error) {
	if r.err != nil {
		return nil, r.err
	}
	sess, ok := r.sessions[id]
	if !ok {
		return nil, repository.ErrSessionNotFound
	}
	return sess, nil
}

func TestMint_ProducesUniqueParsableIDs(t *testing.T) {
	store := NewStore(&stubReader{}, zap.NewNop())

	a := store.Mint()
	b := store.Mint()

	assert.NotEqual(t, a, b)
	_, err := uuid.Parse(a)
	assert.NoError(t, err)
}

func TestResolve_AdoptsLiveSession(t *testing.T) {
	id := uuid.NewString()
	live := &models.CartSession{ID: id, Status: models.SessionOpen, Version: 3, ExpiresAt: time.Now().Add(time.Hour)}
	store := NewStore(&stubReader{sessions: map[string]*models.CartSession{id: live}}, zap.NewNop())

	resolved, sess, err := store.Resolve(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, id, resolved)
	require.NotNil(t, sess)
	assert.Equal(t, int64(3), sess.Version)
}

func TestResolve_MintsFreshForBadInput(t *testing.T) {
	known := uuid.NewString()
	// Past its TTL but not yet swept: still OPEN in the store.
	expiredUnswept := uuid.NewString()
	store := NewStore(&stubReader{sessions: map[string]*models.CartSession{
		known: {ID: known, Status: models.SessionCommitted},
		expiredUnswept: {
			ID:        expiredUnswept,
			Status:    models.SessionOpen,
			Version:   2,
			ExpiresAt: time.Now().Add(-time.Hour),
		},
	}}, zap.NewNop())

	cases := []struct {
		name      string
		presented string
	}{
		{"empty", ""},
		{"malformed", "not-a-uuid"},
		{"unknown", uuid.NewString()},
		{"committed", known},
		{"expired unswept", expiredUnswept},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resolved, sess, err := store.Resolve(context.Background(), tc.presented)
			require.NoError(t, err)
			assert.Nil(t, sess)
			assert.NotEqual(t, tc.presented, resolved)
			_, err = uuid.Parse(resolved)
			assert.NoError(t, err)
		})
	}
}

func TestResolve_StoreErrorSurfacesAsInfrastructure(t *testing.T) {
	store := NewStore(&stubReader{err: assert.AnError}, zap.NewNop())

	_, _, err := store.Resolve(context.Background(), uuid.NewString())
	require.Error(t, err)
	assert.Equal(t, models.KindInfrastructure, models.KindOf(err))
}
