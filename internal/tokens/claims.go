package tokens

import "strings"

// Claim names the engine itself assigns. Scope-declared user claim types are
// deduplicated against this set so a resource cannot smuggle reserved names.
var reservedClaims = map[string]struct{}{
	"iss":       {},
	"sub":       {},
	"aud":       {},
	"exp":       {},
	"iat":       {},
	"nbf":       {},
	"jti":       {},
	"scope":     {},
	"client_id": {},
	"auth_time": {},
	"nonce":     {},
	"amr":       {},
	"acr":       {},
	"azp":       {},
	"sid":       {},
	"at_hash":   {},
	"c_hash":    {},
}

// IsReservedClaim reports whether the claim type is engine-assigned.
func IsReservedClaim(name string) bool {
	_, ok := reservedClaims[name]
	return ok
}

// selectUserClaims picks the subject claims declared by the resolved scopes
// out of the ticket's claim map, skipping reserved claim types.
func selectUserClaims(scopeClaims map[string][]string, ticketClaims map[string]any) map[string]any {
	if len(scopeClaims) == 0 || len(ticketClaims) == 0 {
		return nil
	}

	out := make(map[string]any)
	for _, claimTypes := range scopeClaims {
		for _, name := range claimTypes {
			if IsReservedClaim(name) {
				continue
			}
			if value, ok := ticketClaims[name]; ok {
				out[name] = value
			}
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// audienceClaim emits a single audience as a string and several as a list.
func audienceClaim(audiences []string) any {
	if len(audiences) == 1 {
		return audiences[0]
	}
	return audiences
}

// scopeClaim emits scope either space-joined or as a list per client policy.
func scopeClaim(scopes []string, asList bool) any {
	if asList {
		return scopes
	}
	return joinScopes(scopes)
}

func joinScopes(scopes []string) string {
	return strings.Join(scopes, " ")
}
