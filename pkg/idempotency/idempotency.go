// Package idempotency derives deterministic fingerprints for outbound
// operations so repeated submissions of the same logical work collapse to a
// single durable job.
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/outflow-ai/outflow/pkg/models"
	"github.com/outflow-ai/outflow/pkg/signing"
)

// DefaultBucket is the time bucket within which identical submissions share
// a key.
const DefaultBucket = 5 * time.Minute

// Derive computes the idempotency key for an operation at a point in time.
// The payload is canonicalized first, so field order does not affect the key.
func Derive(op models.OperationKind, payload []byte, at time.Time, bucket time.Duration) string {
	if bucket <= 0 {
		bucket = DefaultBucket
	}
	h := sha256.New()
	h.Write([]byte(op))
	h.Write([]byte{'\n'})
	h.Write(signing.Canonicalize(payload))
	h.Write([]byte{'\n'})
	h.Write([]byte(strconv.FormatInt(at.UTC().Truncate(bucket).Unix(), 10)))
	return hex.EncodeToString(h.Sum(nil))
}
