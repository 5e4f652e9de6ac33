package bft

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAuthenticator(t *testing.T) *Authenticator {
	t.Helper()
	a, err := NewAuthenticator([]byte("shared-test-key"), 5*time.Minute, false)
	require.NoError(t, err)
	return a
}

func TestSealVerifyRoundTrip(t *testing.T) {
	a := newTestAuthenticator(t)
	msg := a.Seal(`{"proposal":"p1","vote":"approve"}`)

	assert.NotEmpty(t, msg.MAC)
	assert.NotEmpty(t, msg.Nonce)
	assert.NoError(t, a.Verify(msg))
}

func TestReplayRejected(t *testing.T) {
	a := newTestAuthenticator(t)
	msg := a.Seal("payload")

	require.NoError(t, a.Verify(msg))
	assert.ErrorIs(t, a.Verify(msg), ErrReplayedNonce)
}

func TestTamperedMessageRejected(t *testing.T) {
	a := newTestAuthenticator(t)
	msg := a.Seal("original payload")
	msg.Message = "forged payload"

	assert.ErrorIs(t, a.Verify(msg), ErrBadMAC)
}

func TestWrongKeyRejected(t *testing.T) {
	a := newTestAuthenticator(t)
	other, err := NewAuthenticator([]byte("different-key"), 5*time.Minute, false)
	require.NoError(t, err)

	msg := other.Seal("payload")
	assert.ErrorIs(t, a.Verify(msg), ErrBadMAC)
}

func TestStaleMessageRejected(t *testing.T) {
	a := newTestAuthenticator(t)
	msg := a.Seal("payload")

	a.now = func() time.Time { return msg.Timestamp.Add(6 * time.Minute) }
	assert.ErrorIs(t, a.Verify(msg), ErrStaleMessage)
}

func TestFutureMessageRejected(t *testing.T) {
	a := newTestAuthenticator(t)
	msg := a.Seal("payload")

	a.now = func() time.Time { return msg.Timestamp.Add(-time.Minute) }
	assert.ErrorIs(t, a.Verify(msg), ErrStaleMessage)
}

func TestSmallClockSkewTolerated(t *testing.T) {
	a := newTestAuthenticator(t)
	msg := a.Seal("payload")

	a.now = func() time.Time { return msg.Timestamp.Add(-5 * time.Second) }
	assert.NoError(t, a.Verify(msg))
}

func TestEmptyKeyRefusedOutsideDevMode(t *testing.T) {
	_, err := NewAuthenticator(nil, 5*time.Minute, false)
	assert.ErrorIs(t, err, ErrMissingKey)

	a, err := NewAuthenticator(nil, 5*time.Minute, true)
	require.NoError(t, err)
	assert.NoError(t, a.Verify(a.Seal("dev payload")))
}

func TestHashValueDeterministic(t *testing.T) {
	assert.Equal(t, HashValue("X"), HashValue("X"))
	assert.NotEqual(t, HashValue("X"), HashValue("Y"))
	assert.Len(t, HashValue("X"), 64)
}
