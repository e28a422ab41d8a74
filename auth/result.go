package auth

import (
	"fmt"
	"net/http"
)

// AuthenticationChallenge describes an HTTP challenge (status + WWW-Authenticate header).
type AuthenticationChallenge struct {
	Status          int
	WWWAuthenticate string
}

// NewAuthenticationRequired builds a challenge indicating credentials are
// required, pointing clients at the protected resource metadata document.
func NewAuthenticationRequired(resourceMetadataURL string) *AuthenticationChallenge {
	return &AuthenticationChallenge{
		Status:          http.StatusUnauthorized,
		WWWAuthenticate: fmt.Sprintf(`Bearer resource_metadata=%q`, resourceMetadataURL),
	}
}

// NewInvalidTokenChallenge builds a challenge indicating the token is invalid.
func NewInvalidTokenChallenge(resourceMetadataURL, description string) *AuthenticationChallenge {
	return &AuthenticationChallenge{
		Status:          http.StatusUnauthorized,
		WWWAuthenticate: fmt.Sprintf(`Bearer resource_metadata=%q, error="invalid_token", error_description=%q`, resourceMetadataURL, description),
	}
}

// Write sets the challenge header on w. The caller writes the status and body.
func (c *AuthenticationChallenge) Write(w http.ResponseWriter) {
	if c.WWWAuthenticate != "" {
		w.Header().Set("WWW-Authenticate", c.WWWAuthenticate)
	}
}
