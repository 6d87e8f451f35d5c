// Package sentinel holds infrastructure error facts. Stores, content backends,
// breakers and chain clients wrap these so services can translate them into
// domain errors with errors.Is. Input validation belongs in pkg/domain-errors.
package sentinel

import "errors"

var (
	// ErrNotFound: no entity or document under the key.
	ErrNotFound = errors.New("not found")
	// ErrErased: the subject is tombstoned and the write is refused.
	ErrErased = errors.New("erased")
	// ErrExpired: a deadline or validity window has passed.
	ErrExpired = errors.New("expired")
	// ErrUnavailable: the backend cannot be reached right now.
	ErrUnavailable = errors.New("unavailable")
)
