// Package identity mints and validates cart-session identifiers.
package identity

import (
	"context"
	"errors"
	"time"

	"github.com/example/piata/pkg/models"
	"github.com/example/piata/pkg/repository"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SessionReader is the slice of the session store this package needs.
type SessionReader interface {
	Get(ctx context.Context, sessionID string) (*models.CartSession, error)
}

type Store struct {
	sessions SessionReader
	logger   *zap.Logger
	now      func() time.Time
}

func NewStore(sessions SessionReader, logger *zap.Logger) *Store {
	return &Store{sessions: sessions, logger: logger, now: time.Now}
}

// Mint issues a fresh session identifier. UUIDv4 carries 122 bits of
// entropy, so IDs are not guessable and never derived from client state.
func (s *Store) Mint() string {
	return uuid.NewString()
}

// Resolve accepts a presented identifier only if it parses and maps to a
// live, uncommitted session. Anything else (malformed, unknown, expired,
// committed) silently yields a fresh identifier; a client can never adopt
// another session by guessing, and a bad ID never fails the request.
func (s *Store) Resolve(ctx context.Context, presented string) (string, *models.CartSession, error) {
	if presented == "" {
		return s.Mint(), nil, nil
	}
	if _, err := uuid.Parse(presented); err != nil {
		s.logger.Debug("malformed session id presented, minting new", zap.String("presented", presented))
		return s.Mint(), nil, nil
	}

	sess, err := s.sessions.Get(ctx, presented)
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			return s.Mint(), nil, nil
		}
		return "", nil, models.Infra(err, "failed to resolve session")
	}

	// A session past its TTL is dead even if the sweep has not flagged it
	// yet; adopting it would dead-end every mutation until the next pass.
	if sess.Status.Terminal() || sess.ExpiredAt(s.now()) {
		s.logger.Debug("dead session presented, minting new",
			zap.String("session_id", presented),
			zap.String("status", string(sess.Status)))
		return s.Mint(), nil, nil
	}

	return presented, sess, nil
}
