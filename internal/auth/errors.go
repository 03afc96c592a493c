package auth

import "errors"

var (
	ErrUnauthorized   = errors.New("auth: unauthorized")
	ErrInvalidToken   = errors.New("auth: invalid token")
	ErrDeviceMismatch = errors.New("auth: token scoped to another device")
)
