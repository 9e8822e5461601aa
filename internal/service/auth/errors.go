package auth

import "errors"

// Common authentication service errors
var (
	// ErrUnauthorized is the umbrella error for any rejected credential.
	// ErrInvalidToken, ErrExpiredToken and ErrMissingToken all match it with errors.Is.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrInvalidToken indicates the token format is invalid or signature doesn't match
	ErrInvalidToken = &authError{msg: "invalid authentication token"}

	// ErrExpiredToken indicates the token has expired
	ErrExpiredToken = &authError{msg: "authentication token has expired"}

	// ErrTokenNotYetValid indicates the token is not yet valid (nbf claim in the future)
	ErrTokenNotYetValid = &authError{msg: "authentication token not yet valid"}

	// ErrMissingToken indicates a token was expected but not provided
	ErrMissingToken = &authError{msg: "authentication token is missing"}
)

type authError struct {
	msg string
}

func (e *authError) Error() string { return e.msg }

func (e *authError) Unwrap() error { return ErrUnauthorized }
