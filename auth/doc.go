// Package auth authenticates callers of the bearer-token protocol route.
//
// Bearer tokens are HS256 JWTs carrying the caller's user id in the "u" claim
// and an issued-at time. They are minted by the platform (or by the
// `mcp-gateway token` command) with a shared secret:
//
//	authn, err := auth.NewBearerAuthenticator([]byte(secret))
//	if err != nil { log.Fatal(err) }
//
//	ui, err := authn.CheckAuthentication(ctx, bearerToken)
//	if errors.Is(err, auth.ErrUnauthorized) { /* 401 with a generic message */ }
//	userID := ui.UserID()
//
// Verification detail is wrapped into the returned error for logging but is
// never meant to be echoed to the caller.
//
// Deployments that also trust an external identity provider chain a JWKS
// verifier behind the platform check:
//
//	idp, err := auth.NewFromDiscovery(ctx, "https://login.example.com", "mcp-gateway")
//	authn := auth.Chain{platform, idp}
package auth
