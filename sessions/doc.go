// Package sessions tracks live protocol sessions.
//
// A Registry hands out Transports for new sessions but only makes them
// resolvable once the transport reports a successful initialize. Closing a
// transport removes it from the registry before Close returns.
//
// A Deduper suppresses concurrent initialize requests from one logical client
// while the first is still in flight. Its release function is idempotent and
// is wired to the transport's initialize and close signals, so a crashed
// initialization never leaves the client blocked.
package sessions
