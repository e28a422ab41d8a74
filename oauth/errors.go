package oauth

import (
	"encoding/json"
	"errors"
	"net/http"
)

// Error is an OAuth protocol error as rendered by RFC 6749 section 5.2.
type Error struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
	Status      int    `json:"-"`
}

func (e *Error) Error() string {
	if e.Description == "" {
		return "oauth: " + e.Code
	}
	return "oauth: " + e.Code + ": " + e.Description
}

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// WithDescription returns a copy of e carrying desc.
func (e *Error) WithDescription(desc string) *Error {
	cp := *e
	cp.Description = desc
	return &cp
}

// Write renders e as a JSON error response.
func (e *Error) Write(w http.ResponseWriter) {
	status := e.Status
	if status == 0 {
		status = http.StatusBadRequest
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	if e.Code == ErrInvalidClient.Code {
		w.Header().Set("WWW-Authenticate", `Basic realm="oauth"`)
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(e)
}

var (
	ErrInvalidRequest          = &Error{Code: "invalid_request", Status: http.StatusBadRequest}
	ErrInvalidClient           = &Error{Code: "invalid_client", Status: http.StatusUnauthorized}
	ErrInvalidGrant            = &Error{Code: "invalid_grant", Status: http.StatusBadRequest}
	ErrUnsupportedGrantType    = &Error{Code: "unsupported_grant_type", Status: http.StatusBadRequest}
	ErrUnsupportedResponseType = &Error{Code: "unsupported_response_type", Status: http.StatusBadRequest}
	ErrInvalidClientMetadata   = &Error{Code: "invalid_client_metadata", Status: http.StatusBadRequest}
	ErrServerError             = &Error{Code: "server_error", Status: http.StatusInternalServerError}

	// ErrInvalidToken is returned by Authenticate for a missing, malformed,
	// expired or wrongly typed access token.
	ErrInvalidToken = &Error{Code: "invalid_token", Status: http.StatusUnauthorized}
	// ErrTenantMismatch is returned by Authenticate when the access token was
	// issued for a different tenant than the one addressed.
	ErrTenantMismatch = &Error{Code: "invalid_token", Description: "token not issued for this tenant", Status: http.StatusUnauthorized}
)

// ErrNoUserCredential is returned when no end-user credential was recorded
// for a tenant.
var ErrNoUserCredential = errors.New("oauth: complete OAuth flow first")
