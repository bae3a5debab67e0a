package session

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"math/big"

	"github.com/google/uuid"

	"github.com/rankmybrand/relay/errors"
)

// userAgents is the fixed pool of synthetic browser identities. Entries are
// generated locally and never derived from the platform being impersonated.
var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/125.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.5 Safari/605.1.15",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:127.0) Gecko/20100101 Firefox/127.0",
}

// NewSessionID generates an opaque session identifier
func NewSessionID() string {
	return uuid.NewString()
}

// GenerateToken produces an opaque session token from the local random
// source. Tokens are never derived from the platform or from user input.
func GenerateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", errors.WrapFatal(err, "identity", "GenerateToken", "read random source")
	}
	return hex.EncodeToString(buf), nil
}

// RandomUserAgent picks one identity from the fixed pool
func RandomUserAgent() string {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(userAgents))))
	if err != nil {
		// Random source failure here is not worth failing session creation over
		return userAgents[0]
	}
	return userAgents[n.Int64()]
}

// TokenFingerprint returns a short non-reversible digest safe for logs.
// Plaintext tokens are never logged outside the store.
func TokenFingerprint(token string) string {
	if token == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:4])
}
