// Package auth authenticates websocket and HTTP callers.
//
// Tokens are HMAC-SHA256 signed JWTs carrying a user id and a role. The
// realtime layer depends only on the Authenticator interface.
package auth
