package authorize

import (
	"net/url"
	"strings"

	"github.com/asketov/OpenIdentityFramework-sub000/pkg/errors"
)

// Per-parameter length limits. Values past these are rejected before any
// further syntax checks.
const (
	maxClientIDLength            = 100
	maxResponseTypeLength        = 50
	maxStateLength               = 2000
	maxResponseModeLength        = 30
	maxRedirectURILength         = 400
	maxScopeLength               = 1000
	maxCodeChallengeLength       = 128
	minCodeChallengeLength       = 43
	maxCodeChallengeMethodLength = 10
	maxNonceLength               = 300
	maxPromptLength              = 100
	maxMaxAgeLength              = 20
	maxLoginHintLength           = 100
	maxACRValuesLength           = 300
	maxDisplayLength             = 20
	maxUILocalesLength           = 100
)

// singleValue applies the rules every validator shares: a parameter without
// a value is absent, a parameter repeated more than once is a request error,
// and values past the limit are rejected.
func singleValue(params url.Values, name string, maxLen int) (string, *errors.ProtocolError) {
	raw, ok := params[name]
	if !ok {
		return "", nil
	}

	values := raw[:0:0]
	for _, v := range raw {
		if v != "" {
			values = append(values, v)
		}
	}

	switch len(values) {
	case 0:
		return "", nil
	case 1:
		if len(values[0]) > maxLen {
			return "", errors.ErrInvalidRequest.WithDescription("%q parameter is too long", name)
		}
		return values[0], nil
	default:
		return "", errors.ErrInvalidRequest.WithDescription("multiple %q parameter values are present, but only one is allowed", name)
	}
}

// splitSpaceDelimited parses a space-delimited parameter value into its
// members, dropping empty segments.
func splitSpaceDelimited(value string) []string {
	return strings.Fields(value)
}

// isVSCHAR reports whether every byte is a visible ASCII character
// (%x20-7E), the charset RFC 6749 allows for state and similar values.
func isVSCHAR(value string) bool {
	for i := 0; i < len(value); i++ {
		if value[i] < 0x20 || value[i] > 0x7e {
			return false
		}
	}
	return true
}

// isScopeToken reports whether the value matches the RFC 6749 scope-token
// charset: %x21 / %x23-5B / %x5D-7E (no space, no quote, no backslash).
func isScopeToken(value string) bool {
	if value == "" {
		return false
	}
	for i := 0; i < len(value); i++ {
		c := value[i]
		if c == 0x21 || (c >= 0x23 && c <= 0x5b) || (c >= 0x5d && c <= 0x7e) {
			continue
		}
		return false
	}
	return true
}

// isCodeChallengeChar reports whether the value uses only the unreserved
// charset RFC 7636 permits for code_challenge.
func isCodeChallengeChar(value string) bool {
	for i := 0; i < len(value); i++ {
		c := value[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		case c == '-' || c == '.' || c == '_' || c == '~':
		default:
			return false
		}
	}
	return true
}

// isHex reports whether the value is a non-empty even-length hex string.
func isHex(value string) bool {
	if value == "" || len(value)%2 != 0 {
		return false
	}
	for i := 0; i < len(value); i++ {
		c := value[i]
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
