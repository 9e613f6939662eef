package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionStatus_CanTransition(t *testing.T) {
	cases := []struct {
		from, to SessionStatus
		ok       bool
	}{
		{SessionOpen, SessionVerified, true},
		{SessionOpen, SessionExpired, true},
		{SessionOpen, SessionCommitting, false},
		{SessionVerified, SessionCommitting, true},
		{SessionVerified, SessionExpired, true},
		{SessionVerified, SessionOpen, false},
		{SessionCommitting, SessionCommitted, true},
		{SessionCommitting, SessionVerified, true},
		{SessionCommitting, SessionExpired, false},
		{SessionCommitted, SessionExpired, false},
		{SessionExpired, SessionOpen, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.ok, tc.from.CanTransition(tc.to),
			"%s -> %s", tc.from, tc.to)
	}
}

func TestCartSession_Transition(t *testing.T) {
	sess := &CartSession{Status: SessionVerified}

	require.NoError(t, sess.Transition(SessionCommitting))
	assert.Equal(t, SessionCommitting, sess.Status)

	// COMMITTING can never expire; the status must not move.
	err := sess.Transition(SessionExpired)
	require.Error(t, err)
	assert.Equal(t, SessionCommitting, sess.Status)

	require.NoError(t, sess.Transition(SessionCommitted))
	require.Error(t, sess.Transition(SessionVerified))
}

func TestCartSession_Subtotal(t *testing.T) {
	sess := &CartSession{Items: []CartLine{
		{ProductID: "a", Quantity: 2, PriceSnapshot: 1050},
		{ProductID: "b", Quantity: 1, PriceSnapshot: 399},
	}}
	assert.Equal(t, int64(2499), sess.Subtotal())
}

func TestCartSession_RemoveLine(t *testing.T) {
	sess := &CartSession{Items: []CartLine{
		{ProductID: "a"}, {ProductID: "b"},
	}}
	sess.RemoveLine("a")
	sess.RemoveLine("missing")
	assert.Len(t, sess.Items, 1)
	assert.Equal(t, "b", sess.Items[0].ProductID)
}

func TestCartSession_ExpiredAt(t *testing.T) {
	now := time.Now()
	sess := &CartSession{ExpiresAt: now.Add(time.Minute)}
	assert.False(t, sess.ExpiredAt(now))
	assert.True(t, sess.ExpiredAt(now.Add(2*time.Minute)))
	assert.False(t, (&CartSession{}).ExpiredAt(now))
}
