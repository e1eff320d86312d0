// Package webhook signs outbound Background Sync Engine deliveries so
// the receiving edge function can verify they originated from a known
// worker install rather than an arbitrary POST to its URL.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// SignatureHeader is the header carrying the hex-encoded HMAC of the
// request body.
const SignatureHeader = "X-Webhook-Signature"

// deriveKey derives a per-fingerprint signing key from the shared
// webhook secret via HKDF-SHA256, so a leaked signature for one
// fingerprint can't be replayed against another installation's queue.
func deriveKey(secret, fingerprintID string) ([]byte, error) {
	r := hkdf.New(sha256.New, []byte(secret), nil, []byte(fingerprintID))
	key := make([]byte, sha256.Size)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive signing key: %w", err)
	}
	return key, nil
}

// Sign computes the hex HMAC-SHA256 of body under the key derived for
// fingerprintID.
func Sign(secret, fingerprintID string, body []byte) (string, error) {
	key, err := deriveKey(secret, fingerprintID)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify reports whether signature is the correct HMAC of body under
// the key derived for fingerprintID.
func Verify(secret, fingerprintID string, body []byte, signature string) bool {
	expected, err := Sign(secret, fingerprintID, body)
	if err != nil {
		return false
	}
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	want, err := hex.DecodeString(expected)
	if err != nil {
		return false
	}
	return hmac.Equal(got, want)
}
