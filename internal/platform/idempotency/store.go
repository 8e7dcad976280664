// Package idempotency makes mutating checkout endpoints safe to retry. A
// client sends an Idempotency-Key header; the first request through claims
// the key, runs the handler, and stores the response. Retries with the same
// key and an identical request replay that stored response instead of
// re-executing the handler.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"
)

// DefaultTTL bounds how long a completed record stays replayable.
const DefaultTTL = 24 * time.Hour

// ErrKeyConflict is returned when a key is presented again with a different
// request fingerprint, meaning the client reused the key for a new request.
var ErrKeyConflict = errors.New("idempotency: key already claimed by a different request")

// ClaimState is the outcome of attempting to claim a key.
type ClaimState int

const (
	// ClaimAccepted means the caller now owns the key and should execute
	// the request.
	ClaimAccepted ClaimState = iota
	// ClaimReplay means a completed response exists and must be replayed.
	ClaimReplay
	// ClaimInFlight means another request holds the key and has not
	// finished yet.
	ClaimInFlight
)

// StoredResponse is the response snapshot persisted for replay.
type StoredResponse struct {
	Status int
	Header map[string][]string
	Body   []byte
}

// Claim reports the state of a key after a claim attempt. Stored is only
// populated when State is ClaimReplay.
type Claim struct {
	State  ClaimState
	Stored StoredResponse
}

// Store persists key claims and their completed responses.
//
// Claim atomically takes ownership of the key or reports who holds it.
// Complete records the handler's response so retries can replay it. Forget
// drops a claim after a failed attempt so the client may retry. PurgeExpired
// removes records past their TTL and reports how many were deleted.
type Store interface {
	Claim(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Claim, error)
	Complete(ctx context.Context, key, fingerprint string, resp StoredResponse, now time.Time, ttl time.Duration) error
	Forget(ctx context.Context, key, fingerprint string) error
	CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

// docID derives a stable document identifier from the scoped key. Hashing
// keeps arbitrary client input out of Firestore document paths.
func docID(key string) string {
	return sha256Hex([]byte(strings.TrimSpace(key)))
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// snapshotHeader copies a response header for storage, dropping hop-by-hop
// and volatile headers that must not be replayed verbatim.
func snapshotHeader(header http.Header) map[string][]string {
	if len(header) == 0 {
		return nil
	}
	out := make(map[string][]string, len(header))
	for name, values := range header {
		if transientHeader(name) {
			continue
		}
		out[http.CanonicalHeaderKey(name)] = append([]string(nil), values...)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func transientHeader(name string) bool {
	switch strings.ToLower(name) {
	case "content-length", "date", "connection", "keep-alive",
		"proxy-authenticate", "proxy-authorization", "te", "trailers",
		"transfer-encoding", "upgrade":
		return true
	}
	return false
}
