package models

// VerifyRequest asks the engine to validate an issued access token.
type VerifyRequest struct {
	Token string `json:"token"`
}

// VerifyResponse reports the validation outcome and, when valid, the claims
// the token carries.
type VerifyResponse struct {
	Valid   bool           `json:"valid"`
	Claims  map[string]any `json:"claims,omitempty"`
	Message string         `json:"message,omitempty"`
}
