package grants

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"

	"github.com/asketov/OpenIdentityFramework-sub000/internal/models"
	"github.com/asketov/OpenIdentityFramework-sub000/pkg/errors"
)

const (
	minCodeVerifierLength = 43
	maxCodeVerifierLength = 128
)

// verifyCodeVerifier checks the token-endpoint code_verifier against the
// challenge bound to the authorization code. Every failure collapses to
// invalid_grant so callers cannot distinguish why verification failed.
func verifyCodeVerifier(verifier, challenge, method string) *errors.ProtocolError {
	if len(verifier) < minCodeVerifierLength || len(verifier) > maxCodeVerifierLength {
		return errors.ErrInvalidGrant
	}
	for i := 0; i < len(verifier); i++ {
		if !isCodeVerifierChar(verifier[i]) {
			return errors.ErrInvalidGrant
		}
	}

	switch method {
	case models.PKCEMethodS256:
		expected, err := hex.DecodeString(challenge)
		if err != nil {
			return errors.ErrInvalidGrant
		}
		digest := sha256.Sum256([]byte(verifier))
		if subtle.ConstantTimeCompare(digest[:], expected) != 1 {
			return errors.ErrInvalidGrant
		}
	case models.PKCEMethodPlain:
		if subtle.ConstantTimeCompare([]byte(verifier), []byte(challenge)) != 1 {
			return errors.ErrInvalidGrant
		}
	default:
		return errors.ErrInvalidGrant
	}

	return nil
}

// isCodeVerifierChar reports whether c is in the unreserved set
// ALPHA / DIGIT / "-" / "." / "_" / "~".
func isCodeVerifierChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z':
		return true
	case c >= 'A' && c <= 'Z':
		return true
	case c >= '0' && c <= '9':
		return true
	case c == '-' || c == '.' || c == '_' || c == '~':
		return true
	}
	return false
}
