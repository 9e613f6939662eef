// Package verification gates checkout behind phone ownership. Codes are
// bound to the session they were issued for, expire after a fixed TTL,
// and survive a bounded number of wrong attempts before a forced resend.
package verification

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"time"

	"github.com/example/piata/pkg/config"
	"github.com/example/piata/pkg/models"
	"github.com/example/piata/pkg/repository"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SessionStore is the slice of the session repository the gate needs.
type SessionStore interface {
	Get(ctx context.Context, sessionID string) (*models.CartSession, error)
	Replace(ctx context.Context, sess *models.CartSession, expectedVersion int64) error
}

type CodeStore interface {
	StoreCode(ctx context.Context, sessionID string, code *models.VerificationCode, ttl time.Duration) error
	LoadCode(ctx context.Context, sessionID string) (*models.VerificationCode, error)
	UpdateCode(ctx context.Context, sessionID string, code *models.VerificationCode) error
	DeleteCode(ctx context.Context, sessionID string) error
}

type RateLimiter interface {
	IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error)
}

// Sender dispatches the SMS; failures arrive pre-classified as
// RATE_LIMITED or INFRASTRUCTURE faults.
type Sender interface {
	Send(ctx context.Context, phone, code string) error
}

var phonePattern = regexp.MustCompile(`^\+?[0-9]{9,15}$`)

type Gate struct {
	sessions SessionStore
	codes    CodeStore
	limiter  RateLimiter
	sender   Sender
	cfg      config.VerificationConfig
	logger   *zap.Logger
	now      func() time.Time
	newCode  func() string
}

func NewGate(sessions SessionStore, codes CodeStore, limiter RateLimiter, sender Sender, cfg config.VerificationConfig, logger *zap.Logger) *Gate {
	return &Gate{
		sessions: sessions,
		codes:    codes,
		limiter:  limiter,
		sender:   sender,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		newCode:  randomCode,
	}
}

func randomCode() string {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		// crypto/rand failing means the host is broken; surface loudly.
		panic(fmt.Sprintf("crypto/rand unavailable: %v", err))
	}
	return fmt.Sprintf("%06d", n.Int64())
}

// RequestCode issues a new code for the session and dispatches it. On a
// dispatch failure no code is stored: the session stays UNVERIFIED and
// the caller is told to retry rather than told the code was sent.
func (g *Gate) RequestCode(ctx context.Context, sessionID, phone string) error {
	if !phonePattern.MatchString(phone) {
		return models.Validationf("phone number %q is not valid", phone)
	}

	sess, err := g.loadLive(ctx, sessionID)
	if err != nil {
		return err
	}

	count, err := g.limiter.IncrWindow(ctx, "sms:phone:"+phone, time.Hour)
	if err != nil {
		return models.Infra(err, "rate limiter unavailable")
	}
	if count > g.cfg.PhonePerHour {
		return models.RateLimitedf("too many codes requested for this phone, try again later")
	}

	count, err = g.limiter.IncrWindow(ctx, "sms:session:"+sessionID, time.Hour)
	if err != nil {
		return models.Infra(err, "rate limiter unavailable")
	}
	if count > g.cfg.SessionPerHour {
		return models.RateLimitedf("too many codes requested for this session, try again later")
	}

	code := g.newCode()
	if err := g.sender.Send(ctx, phone, code); err != nil {
		return err
	}

	record := &models.VerificationCode{
		Code:     code,
		Phone:    phone,
		IssuedAt: g.now(),
	}
	if err := g.codes.StoreCode(ctx, sessionID, record, g.cfg.CodeTTL); err != nil {
		return models.Infra(err, "failed to store verification code")
	}

	g.logger.Info("verification code issued",
		zap.String("session_id", sess.ID),
		zap.String("phone", phone))
	return nil
}

// ConfirmCode compares against the last code issued for this session
// only. On success the session advances OPEN -> VERIFIED and receives a
// fresh verification token; the transition is one-way.
func (g *Gate) ConfirmCode(ctx context.Context, sessionID string, version int64, code string) (*models.CartSession, error) {
	sess, err := g.loadLive(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Version != version {
		return nil, models.Conflictf(sess.Version, "session %s was modified concurrently", sessionID)
	}

	record, err := g.codes.LoadCode(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repository.ErrCodeNotFound) {
			return nil, models.VerificationFailedf("no active code for this session, request a new one")
		}
		return nil, models.Infra(err, "failed to load verification code")
	}

	if g.now().After(record.IssuedAt.Add(g.cfg.CodeTTL)) {
		_ = g.codes.DeleteCode(ctx, sessionID)
		return nil, models.VerificationFailedf("code expired, request a new one")
	}

	if record.Attempts >= g.cfg.MaxAttempts {
		_ = g.codes.DeleteCode(ctx, sessionID)
		return nil, models.VerificationFailedf("too many wrong attempts, request a new code")
	}

	if record.Code != code {
		record.Attempts++
		if record.Attempts >= g.cfg.MaxAttempts {
			_ = g.codes.DeleteCode(ctx, sessionID)
			return nil, models.VerificationFailedf("too many wrong attempts, request a new code")
		}
		if err := g.codes.UpdateCode(ctx, sessionID, record); err != nil {
			return nil, models.Infra(err, "failed to record attempt")
		}
		return nil, models.VerificationFailedf("wrong code, %d attempts remaining", g.cfg.MaxAttempts-record.Attempts)
	}

	_ = g.codes.DeleteCode(ctx, sessionID)

	sess.Phone = record.Phone
	sess.VerificationToken = uuid.NewString()
	sess.VerifiedAt = g.now()
	// Re-verifying an already VERIFIED session only refreshes the token.
	if sess.Status == models.SessionOpen {
		if err := sess.Transition(models.SessionVerified); err != nil {
			return nil, models.Infra(err, "failed to advance session")
		}
	}
	sess.LastMutatedAt = g.now()

	if err := g.sessions.Replace(ctx, sess, version); err != nil {
		switch {
		case errors.Is(err, repository.ErrVersionConflict):
			if current, gerr := g.sessions.Get(ctx, sessionID); gerr == nil {
				return nil, models.Conflictf(current.Version, "session %s was modified concurrently", sessionID)
			}
			return nil, models.Conflictf(0, "session %s was modified concurrently", sessionID)
		case errors.Is(err, repository.ErrSessionNotFound):
			return nil, models.SessionClosedf("session %s not found", sessionID)
		default:
			return nil, models.Infra(err, "failed to persist verification")
		}
	}

	g.logger.Info("session verified",
		zap.String("session_id", sess.ID),
		zap.Int64("version", sess.Version))
	return sess, nil
}

// TokenValid reports whether a session's verification token is still
// fresh. Cart mutations never revoke verification, but a stale token
// forces re-verification at commit time.
func TokenValid(sess *models.CartSession, ttl time.Duration, now time.Time) bool {
	if sess.VerificationToken == "" || sess.VerifiedAt.IsZero() {
		return false
	}
	return now.Before(sess.VerifiedAt.Add(ttl))
}

func (g *Gate) loadLive(ctx context.Context, sessionID string) (*models.CartSession, error) {
	sess, err := g.sessions.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			return nil, models.SessionClosedf("session %s not found", sessionID)
		}
		return nil, models.Infra(err, "failed to read session")
	}
	if !sess.Status.Mutable() || sess.ExpiredAt(g.now()) {
		return nil, models.SessionClosedf("session %s is %s", sessionID, sess.Status)
	}
	return sess, nil
}
