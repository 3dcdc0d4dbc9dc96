// token.go generates and classifies the secret tokens that gate review
// records. A token is a bearer capability: whoever presents it may review the
// record it belongs to. Tokens are generated once, at record creation, and are
// never rotated or regenerated.
package review

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// tokenBytes is the entropy of a review token before encoding.
const tokenBytes = 32

// NewToken returns a fresh URL-safe review token with 256 bits of entropy.
func NewToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate review token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// TokenStatus classifies a presented token.
type TokenStatus int

const (
	// TokenMissing means no token was presented; the caller falls back to the
	// authenticated manager's queue.
	TokenMissing TokenStatus = iota
	// TokenInvalid means the token matches no record. Malformed and unknown
	// tokens are deliberately indistinguishable.
	TokenInvalid
	// TokenPending means the token's record awaits a decision.
	TokenPending
	// TokenResolved means the token's record already carries a decision.
	TokenResolved
)

// String returns the metric label for the status.
func (s TokenStatus) String() string {
	switch s {
	case TokenMissing:
		return "missing"
	case TokenInvalid:
		return "invalid"
	case TokenPending:
		return "pending"
	case TokenResolved:
		return "resolved"
	default:
		return "unknown"
	}
}
