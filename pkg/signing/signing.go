// Package signing implements the HMAC envelope protecting internal
// service-to-service calls. Signatures are "timestamp.digest" where digest
// is HMAC-SHA256 over the timestamp and a canonical serialization of the
// payload, so semantically identical payloads sign identically regardless
// of field order.
package signing

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// DefaultMaxAge is the replay window: signatures older (or newer) than this
// are rejected even when the digest is correct.
const DefaultMaxAge = 300 * time.Second

// Header carries the envelope on internal HTTP calls.
const Header = "X-Outflow-Signature"

// Canonicalize returns a key-order-independent serialization of a JSON
// payload. Object keys are sorted recursively; numbers keep their original
// literal form. Non-JSON payloads are returned unchanged.
func Canonicalize(payload []byte) []byte {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return payload
	}
	var buf bytes.Buffer
	if err := writeCanonical(&buf, v); err != nil {
		return payload
	}
	return buf.Bytes()
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := writeCanonical(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	case []any:
		buf.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return err
		}
		buf.Write(b)
		return nil
	}
}

// Sign produces a "timestamp.digest" signature for the payload.
func Sign(payload []byte, secret string) string {
	return SignAt(payload, secret, time.Now())
}

// SignAt signs the payload with an explicit timestamp.
func SignAt(payload []byte, secret string, at time.Time) string {
	ts := at.Unix()
	return fmt.Sprintf("%d.%s", ts, digest(payload, secret, ts))
}

// Verify checks a signature against the payload with the default replay window.
func Verify(payload []byte, signature, secret string) bool {
	return VerifyAt(payload, signature, secret, time.Now(), DefaultMaxAge)
}

// VerifyAt checks a signature at an explicit point in time. It returns false
// for malformed signatures, timestamps outside the replay window, and digest
// mismatches; length mismatches are a plain failure, never a panic.
func VerifyAt(payload []byte, signature, secret string, now time.Time, maxAge time.Duration) bool {
	tsPart, digestPart, ok := strings.Cut(signature, ".")
	if !ok {
		return false
	}
	ts, err := strconv.ParseInt(tsPart, 10, 64)
	if err != nil {
		return false
	}
	age := now.Unix() - ts
	if age < 0 {
		age = -age
	}
	if age > int64(maxAge.Seconds()) {
		return false
	}
	expected := digest(payload, secret, ts)
	return hmac.Equal([]byte(expected), []byte(digestPart))
}

func digest(payload []byte, secret string, ts int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("."))
	mac.Write(Canonicalize(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
