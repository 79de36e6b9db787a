package errors

import "fmt"

// OAuth 2.1 / OpenID Connect protocol error codes emitted by the engine.
const (
	CodeInvalidRequest           = "invalid_request"
	CodeInvalidClient            = "invalid_client"
	CodeInvalidGrant             = "invalid_grant"
	CodeUnauthorizedClient       = "unauthorized_client"
	CodeUnsupportedGrantType     = "unsupported_grant_type"
	CodeUnsupportedResponseType  = "unsupported_response_type"
	CodeInvalidScope             = "invalid_scope"
	CodeServerError              = "server_error"
	CodeTemporarilyUnavailable   = "temporarily_unavailable"
	CodeInteractionRequired      = "interaction_required"
	CodeLoginRequired            = "login_required"
	CodeAccountSelectionRequired = "account_selection_required"
	CodeConsentRequired          = "consent_required"
	CodeAccessDenied             = "access_denied"
	CodeRequestNotSupported      = "request_not_supported"
	CodeRequestURINotSupported   = "request_uri_not_supported"
	CodeRegistrationNotSupported = "registration_not_supported"
)

// Protocol errors returned to clients per RFC 6749 / OIDC Core.
var (
	ErrInvalidRequest = &ProtocolError{
		Code:        CodeInvalidRequest,
		Description: "The request is missing a required parameter or is otherwise malformed",
		Status:      400,
	}

	ErrInvalidClient = &ProtocolError{
		Code:        CodeInvalidClient,
		Description: "Client authentication failed",
		Status:      401,
	}

	ErrInvalidGrant = &ProtocolError{
		Code:        CodeInvalidGrant,
		Description: "The provided authorization grant is invalid, expired or revoked",
		Status:      400,
	}

	ErrUnauthorizedClient = &ProtocolError{
		Code:        CodeUnauthorizedClient,
		Description: "The client is not authorized to use this authorization grant type",
		Status:      400,
	}

	ErrUnsupportedGrantType = &ProtocolError{
		Code:        CodeUnsupportedGrantType,
		Description: "The authorization grant type is not supported",
		Status:      400,
	}

	ErrUnsupportedResponseType = &ProtocolError{
		Code:        CodeUnsupportedResponseType,
		Description: "The requested response type is not supported",
		Status:      400,
	}

	ErrInvalidScope = &ProtocolError{
		Code:        CodeInvalidScope,
		Description: "The requested scope is invalid, unknown or malformed",
		Status:      400,
	}

	// ErrServerError is the only error surfaced for configuration failures.
	// The internal cause stays in Err and is logged, never serialized.
	ErrServerError = &ProtocolError{
		Code:        CodeServerError,
		Description: "The authorization server encountered an unexpected condition",
		Status:      500,
	}

	ErrTemporarilyUnavailable = &ProtocolError{
		Code:        CodeTemporarilyUnavailable,
		Description: "The authorization server is temporarily unable to handle the request",
		Status:      503,
	}

	ErrInteractionRequired = &ProtocolError{
		Code:        CodeInteractionRequired,
		Description: "End-user interaction is required",
		Status:      400,
	}

	ErrLoginRequired = &ProtocolError{
		Code:        CodeLoginRequired,
		Description: "End-user authentication is required",
		Status:      400,
	}

	ErrAccountSelectionRequired = &ProtocolError{
		Code:        CodeAccountSelectionRequired,
		Description: "End-user account selection is required",
		Status:      400,
	}

	ErrConsentRequired = &ProtocolError{
		Code:        CodeConsentRequired,
		Description: "End-user consent is required",
		Status:      400,
	}

	ErrAccessDenied = &ProtocolError{
		Code:        CodeAccessDenied,
		Description: "The resource owner or authorization server denied the request",
		Status:      400,
	}

	ErrRequestNotSupported = &ProtocolError{
		Code:        CodeRequestNotSupported,
		Description: "The request parameter is not supported",
		Status:      400,
	}

	ErrRequestURINotSupported = &ProtocolError{
		Code:        CodeRequestURINotSupported,
		Description: "The request_uri parameter is not supported",
		Status:      400,
	}

	ErrRegistrationNotSupported = &ProtocolError{
		Code:        CodeRegistrationNotSupported,
		Description: "The registration parameter is not supported",
		Status:      400,
	}
)

// ProtocolError represents an OAuth/OIDC protocol-level error.
type ProtocolError struct {
	Code        string
	Description string
	Status      int
	Err         error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Description, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match any two protocol errors with the same code.
func (e *ProtocolError) Is(target error) bool {
	pe, ok := target.(*ProtocolError)
	return ok && pe.Code == e.Code
}

// Wrap attaches an internal cause to a protocol error without changing what
// the client sees.
func Wrap(err error, protoErr *ProtocolError) *ProtocolError {
	return &ProtocolError{
		Code:        protoErr.Code,
		Description: protoErr.Description,
		Status:      protoErr.Status,
		Err:         err,
	}
}

// WithDescription returns a copy with a request-specific human description.
func (e *ProtocolError) WithDescription(format string, args ...any) *ProtocolError {
	return &ProtocolError{
		Code:        e.Code,
		Description: fmt.Sprintf(format, args...),
		Status:      e.Status,
		Err:         e.Err,
	}
}

// IsConfiguration reports whether the error must be masked as server_error
// before it leaves the engine.
func (e *ProtocolError) IsConfiguration() bool {
	return e.Code == CodeServerError
}
