package auth

import "errors"

var (
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrInvalidRole  = errors.New("auth: invalid role")
	ErrUnauthorized = errors.New("auth: unauthorized")
	ErrMissingKey   = errors.New("auth: signing secret is not configured")
)
