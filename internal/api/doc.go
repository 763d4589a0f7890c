// Package api exposes the HTTP surface of the callsync daemon.
//
// Routes under /api require a bearer token when api.token is configured. The
// egress webhook authenticates with an HMAC signature instead, since it is
// called by the media server rather than by operators.
package api
