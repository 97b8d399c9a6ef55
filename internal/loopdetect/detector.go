// Package loopdetect implements the rolling-hash message-loop detector: a
// bounded per-agent deque of recent message fingerprints kept in the
// key-value store under a TTL-bound key.
package loopdetect

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"firewalld/internal/kvstore"
)

const (
	windowKeyPrefix = "agent:messages:"
	maxWindowLen    = 10
	windowTTL       = 300 * time.Second
	loopThreshold   = 3
	fingerprintLen  = 16
)

// Detector maintains the rolling message window in kv.
type Detector struct {
	kv kvstore.Store
}

// New constructs a loop detector backed by kv.
func New(kv kvstore.Store) *Detector {
	return &Detector{kv: kv}
}

// Fingerprint returns the 16-hex-character SHA-256 digest of the
// canonical serialization of a message's identifying fields.
func Fingerprint(msgType, content, targetAgentID string) string {
	canonical := fmt.Sprintf("%s|%s|%s", msgType, content, targetAgentID)
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])[:fingerprintLen]
}

// IsLoop records the message's fingerprint in the agent's rolling window
// and reports whether at least 3 prior matches were already present.
func (d *Detector) IsLoop(ctx context.Context, agentID, msgType, content, targetAgentID string) (bool, error) {
	fp := Fingerprint(msgType, content, targetAgentID)
	key := windowKeyPrefix + agentID

	window, err := d.kv.PushFront(ctx, key, fp, maxWindowLen, windowTTL)
	if err != nil {
		return false, fmt.Errorf("recording message fingerprint: %w", err)
	}

	matches := 0
	for _, existing := range window[1:] {
		if existing == fp {
			matches++
		}
	}
	return matches >= loopThreshold, nil
}
