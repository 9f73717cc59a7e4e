package domain

import "errors"

var (
	// ErrNotFound signals an absent user, session, or record.
	ErrNotFound = errors.New("domain: not found")
	// ErrConflict indicates a uniqueness violation such as a duplicate email.
	ErrConflict = errors.New("domain: conflict")
	// ErrCodeAlreadyUsed indicates a backup code redemption lost the race.
	ErrCodeAlreadyUsed = errors.New("domain: code already used")
	// ErrTokenRotated indicates a refresh token was already rotated or revoked.
	ErrTokenRotated = errors.New("domain: token rotated")
)
