// Package oauth implements the gateway's OAuth 2.1 authorization server:
// dynamic client registration, the authorization-code flow with mandatory
// PKCE (S256), stateless signed access and refresh tokens, and the store of
// end-user credentials that OAuth-authenticated tool calls act with.
//
// All mutable state lives behind storage.Storage, so the same state machine
// runs against the in-memory or the redis backend. Authorization codes are
// signed tokens that are additionally recorded in the store; redeeming one is
// an atomic load, validate and delete, which makes every code single use even
// under concurrent /token requests.
package oauth
