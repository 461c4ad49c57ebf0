package models

import "errors"

var (
	ErrNotFound       = errors.New("challenge not found")
	ErrCardNotFound   = errors.New("card not found")
	ErrInvalidState   = errors.New("invalid challenge state")
	ErrResendLimit    = errors.New("resend limit reached")
	ErrNotEnrolled    = errors.New("card not enrolled in 3-D Secure")
	ErrInvalidRequest = errors.New("invalid request")
	ErrDelivery       = errors.New("code delivery failed")
	ErrConflict       = errors.New("challenge already exists")
)
