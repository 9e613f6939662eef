package models

import (
	"fmt"
	"time"
)

type SessionStatus string

const (
	SessionOpen       SessionStatus = "OPEN"
	SessionVerified   SessionStatus = "VERIFIED"
	SessionCommitting SessionStatus = "COMMITTING"
	SessionCommitted  SessionStatus = "COMMITTED"
	SessionExpired    SessionStatus = "EXPIRED"
)

// Terminal reports whether a session can never change state again.
func (s SessionStatus) Terminal() bool {
	return s == SessionCommitted || s == SessionExpired
}

// Mutable reports whether cart contents may still change.
func (s SessionStatus) Mutable() bool {
	return s == SessionOpen || s == SessionVerified
}

// CanTransition enforces the forward-only lifecycle. EXPIRED is reachable
// from OPEN and VERIFIED only, never from COMMITTING or COMMITTED.
func (s SessionStatus) CanTransition(to SessionStatus) bool {
	switch s {
	case SessionOpen:
		return to == SessionVerified || to == SessionExpired
	case SessionVerified:
		return to == SessionCommitting || to == SessionExpired
	case SessionCommitting:
		return to == SessionCommitted || to == SessionVerified
	default:
		return false
	}
}

// CartLine is a single product line inside a cart session. PriceSnapshot
// is the unit price in bani (RON*100) observed when the line was added.
type CartLine struct {
	ProductID     string    `bson:"product_id" json:"productId"`
	Quantity      int       `bson:"quantity" json:"quantity"`
	PriceSnapshot int64     `bson:"price_snapshot" json:"priceSnapshot"`
	AddedAt       time.Time `bson:"added_at" json:"addedAt"`
}

// CartSession is the server-owned cart record. Version is the optimistic
// concurrency token: every successful mutation increments it, and every
// mutation is conditioned on the caller's last-known value.
type CartSession struct {
	ID                string        `bson:"_id" json:"sessionId"`
	Items             []CartLine    `bson:"items" json:"items"`
	Status            SessionStatus `bson:"status" json:"status"`
	Phone             string        `bson:"phone,omitempty" json:"-"`
	VerificationToken string        `bson:"verification_token,omitempty" json:"-"`
	VerifiedAt        time.Time     `bson:"verified_at,omitempty" json:"-"`
	Version           int64         `bson:"version" json:"version"`
	CreatedAt         time.Time     `bson:"created_at" json:"createdAt"`
	LastMutatedAt     time.Time     `bson:"last_mutated_at" json:"lastMutatedAt"`
	ExpiresAt         time.Time     `bson:"expires_at" json:"expiresAt"`
}

// Transition moves the session to the requested status, rejecting moves
// the lifecycle forbids. All status writes go through here.
func (c *CartSession) Transition(to SessionStatus) error {
	if !c.Status.CanTransition(to) {
		return fmt.Errorf("illegal session transition %s -> %s", c.Status, to)
	}
	c.Status = to
	return nil
}

// Line returns the cart line for productID, if present.
func (c *CartSession) Line(productID string) (*CartLine, bool) {
	for i := range c.Items {
		if c.Items[i].ProductID == productID {
			return &c.Items[i], true
		}
	}
	return nil, false
}

// RemoveLine deletes the line for productID. Missing lines are a no-op.
func (c *CartSession) RemoveLine(productID string) {
	for i := range c.Items {
		if c.Items[i].ProductID == productID {
			c.Items = append(c.Items[:i], c.Items[i+1:]...)
			return
		}
	}
}

// Subtotal sums quantity * price snapshot over all lines, in bani.
func (c *CartSession) Subtotal() int64 {
	var total int64
	for _, line := range c.Items {
		total += int64(line.Quantity) * line.PriceSnapshot
	}
	return total
}

// ExpiredAt reports whether the session's TTL has elapsed at the given
// instant, regardless of whether the sweep has flagged it yet.
func (c *CartSession) ExpiredAt(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt)
}
