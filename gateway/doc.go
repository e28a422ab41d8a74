// Package gateway is the HTTP front door of the tenant gateway.
//
// It serves two deployment variants side by side. POST /{tenantId} accepts
// platform bearer tokens; POST /mcp/{tenantId} accepts OAuth access tokens
// minted by the embedded authorization server and acts with the end-user
// credential recorded for the tenant. Both variants bind a request-local
// tenant.Context before any protocol handling, so concurrent requests for
// different tenants never observe each other's toolsets.
//
// A POST without an Mcp-Session-Id header must be an initialize request; it
// creates a session that becomes resolvable once the initialize succeeds.
// Concurrent initialize requests from the same client are collapsed: the
// first proceeds and the rest receive 202 with a placeholder result.
//
// GET on the session channel streams server notifications as SSE; DELETE
// ends the session. Both authenticate the same way as the POST route they
// accompany.
package gateway
