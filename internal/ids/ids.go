// Package ids generates opaque identifiers and API credentials.
//
// IDs are prefix + random base62 token, URL-safe and opaque. API keys
// carry 256 bits of entropy. The stored key hash is bcrypt (deliberately
// slow); the fingerprint is a truncated SHA-256 digest of the raw key
// used only for indexed O(1) lookup; the bcrypt hash is still verified
// after lookup.
package ids

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"

	"golang.org/x/crypto/bcrypt"
)

const (
	alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
	idLength = 12

	fingerprintLen = 16
)

// NewID returns prefix + a 12-character base62 token, e.g. "tk_x9Qm2LpA0Rfz".
func NewID(prefix string) string {
	buf := make([]byte, idLength)
	rand.Read(buf)
	out := make([]byte, idLength)
	for i, b := range buf {
		out[i] = alphabet[int(b)%len(alphabet)]
	}
	return prefix + string(out)
}

func AgentID() string   { return NewID("ag_") }
func TaskID() string    { return NewID("tk_") }
func LedgerID() string  { return NewID("le_") }
func MatchID() string   { return NewID("mt_") }
func ReportID() string  { return NewID("rp_") }
func RatingID() string  { return NewID("rt_") }

// NewAPIKey mints a bearer credential with 256 bits of entropy.
func NewAPIKey() string {
	buf := make([]byte, 32)
	rand.Read(buf)
	return "pwk_" + base64.RawURLEncoding.EncodeToString(buf)
}

// NewReferralCode mints a short shareable referral code.
func NewReferralCode() string {
	buf := make([]byte, 9)
	rand.Read(buf)
	return "ref_" + base64.RawURLEncoding.EncodeToString(buf)
}

// HashKey returns the slow bcrypt hash of a raw API key.
func HashKey(raw string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// VerifyKey checks a raw key against its stored bcrypt hash.
func VerifyKey(raw, storedHash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(raw)) == nil
}

// Fingerprint returns the fast-lookup digest of a raw key. Collisions are
// tolerated: the bcrypt hash is always verified after the indexed lookup.
func Fingerprint(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])[:fingerprintLen]
}
