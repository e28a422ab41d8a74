package gateway

import (
	"net/http"
	"time"

	"github.com/ggoodman/mcp-tenant-gateway/internal/wellknown"
	"github.com/ggoodman/mcp-tenant-gateway/oauth"
)

type healthResponse struct {
	Status         string `json:"status"`
	Timestamp      string `json:"timestamp"`
	ActiveSessions int    `json:"activeSessions"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:         "healthy",
		Timestamp:      h.now().UTC().Format(time.RFC3339Nano),
		ActiveSessions: h.registry.Len(),
	})
}

// handleProtectedResourceMetadata serves the RFC 9728 document for a
// tenant's OAuth endpoint.
func (h *Handler) handleProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	base := h.baseURL(r)
	md := h.oauth.Metadata(base)
	writeJSON(w, http.StatusOK, wellknown.ProtectedResourceMetadata{
		Resource:               base + "/mcp/" + r.PathValue("tenantId"),
		AuthorizationServers:   []string{md.Issuer},
		JwksURI:                md.JwksURI,
		ScopesSupported:        []string{oauth.DefaultScope},
		BearerMethodsSupported: []string{"header"},
		ResourceName:           h.serverInfo.Name,
	})
}
