// Package schwab provides an OAuth2-authenticated, rate-governed client for
// the Schwab trader and market-data APIs.
package schwab

import "errors"

var (
	// ErrSessionExpired indicates the OAuth session has expired.
	ErrSessionExpired = errors.New("session expired")

	// ErrInvalidState indicates OAuth state mismatch (possible CSRF attack).
	ErrInvalidState = errors.New("OAuth state mismatch - possible security issue")

	// ErrNoAuthCode indicates no authorization code was received.
	ErrNoAuthCode = errors.New("no authorization code received")

	// ErrNoRefreshToken indicates a refresh was requested without a refresh
	// token on hand.
	ErrNoRefreshToken = errors.New("no refresh token - please re-authenticate")

	// ErrRefreshTokenExpired indicates the refresh token was rejected.
	ErrRefreshTokenExpired = errors.New("refresh token expired - please re-authenticate")

	// ErrNoPendingAuthorization indicates CompleteAuthorization was called
	// without a preceding BuildAuthorizationURL.
	ErrNoPendingAuthorization = errors.New("no authorization in progress")
)
