// Package bft provides the Byzantine fault tolerance layer: authenticated
// swarm messages, agent reputation with fault-driven exclusion, a PBFT-lite
// consensus engine, result cross-checking, and reputation-aware delegation.
package bft

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	cache "github.com/patrickmn/go-cache"

	"loki/internal/logging"
)

// Verification failure modes.
var (
	ErrBadMAC        = errors.New("message MAC mismatch")
	ErrReplayedNonce = errors.New("message nonce already seen")
	ErrStaleMessage  = errors.New("message timestamp outside validity window")
	ErrMissingKey    = errors.New("swarm key required outside dev mode")
)

// clockSkewTolerance is how far into the future a timestamp may sit.
const clockSkewTolerance = 10 * time.Second

// maxTrackedNonces bounds the replay cache; on overflow the oldest half is
// pruned.
const maxTrackedNonces = 10000

// SwarmMessage is an authenticated envelope for inter-agent traffic.
type SwarmMessage struct {
	Message   string    `json:"message"`
	MAC       string    `json:"mac"`
	Nonce     string    `json:"nonce"`
	Timestamp time.Time `json:"timestamp"`
}

// macPayload is the canonical serialisation the MAC covers. Field order is
// fixed by the struct, so encoding/json produces a stable byte stream.
type macPayload struct {
	Message   string `json:"message"`
	Nonce     string `json:"nonce"`
	Timestamp int64  `json:"timestamp"` // unix nanoseconds
}

// Authenticator seals and verifies swarm messages with HMAC-SHA256 and a
// bounded nonce replay cache. Safe for concurrent use.
type Authenticator struct {
	key    []byte
	window time.Duration
	nonces *cache.Cache
	mu     sync.Mutex
	now    func() time.Time
	log    *logging.Logger
}

// NewAuthenticator builds an authenticator for the shared swarm key. An
// empty key is refused unless devMode is set, in which case a fixed
// development key is substituted.
func NewAuthenticator(key []byte, validityWindow time.Duration, devMode bool) (*Authenticator, error) {
	if len(key) == 0 {
		if !devMode {
			return nil, ErrMissingKey
		}
		key = []byte("loki-dev-insecure-key")
	}
	if validityWindow <= 0 {
		validityWindow = 5 * time.Minute
	}
	return &Authenticator{
		key:    key,
		window: validityWindow,
		// No janitor goroutine: expired nonces are dropped lazily and the
		// size bound is enforced in pruneNoncesLocked.
		nonces: cache.New(validityWindow+clockSkewTolerance, 0),
		now:    time.Now,
		log:    logging.Get(logging.CategoryBFT),
	}, nil
}

// Seal wraps a message with a fresh nonce, the current timestamp, and a MAC.
func (a *Authenticator) Seal(message string) SwarmMessage {
	msg := SwarmMessage{
		Message:   message,
		Nonce:     uuid.NewString(),
		Timestamp: a.now(),
	}
	msg.MAC = a.mac(msg)
	return msg
}

// Verify checks the timestamp window, the MAC (constant-time), and nonce
// freshness, in that order. A verified nonce is recorded so replays fail.
func (a *Authenticator) Verify(msg SwarmMessage) error {
	now := a.now()
	age := now.Sub(msg.Timestamp)
	if age > a.window || age < -clockSkewTolerance {
		return fmt.Errorf("%w: age %s", ErrStaleMessage, age)
	}

	expected := a.mac(msg)
	if !hmac.Equal([]byte(expected), []byte(msg.MAC)) {
		return ErrBadMAC
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, seen := a.nonces.Get(msg.Nonce); seen {
		return ErrReplayedNonce
	}
	a.nonces.SetDefault(msg.Nonce, struct{}{})
	a.pruneNoncesLocked()
	return nil
}

func (a *Authenticator) mac(msg SwarmMessage) string {
	payload, _ := json.Marshal(macPayload{
		Message:   msg.Message,
		Nonce:     msg.Nonce,
		Timestamp: msg.Timestamp.UnixNano(),
	})
	h := hmac.New(sha256.New, a.key)
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// pruneNoncesLocked drops the oldest half of the replay cache when it grows
// past the bound. Items expire on their own; this guards against bursts.
func (a *Authenticator) pruneNoncesLocked() {
	if a.nonces.ItemCount() <= maxTrackedNonces {
		return
	}
	type aged struct {
		nonce      string
		expiration int64
	}
	items := a.nonces.Items()
	all := make([]aged, 0, len(items))
	for nonce, item := range items {
		all = append(all, aged{nonce: nonce, expiration: item.Expiration})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].expiration < all[j].expiration })
	for _, it := range all[:len(all)/2] {
		a.nonces.Delete(it.nonce)
	}
	a.log.Warn("nonce cache pruned to %d entries", a.nonces.ItemCount())
}

// HashValue is the canonical hash used for consensus votes and result
// cross-checks.
func HashValue(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}
