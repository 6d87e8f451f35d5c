// Package content defines the content-addressed document store that holds signed
// credentials, profile documents and tombstones.
package content

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"anchorid/pkg/platform/sentinel"
)

// ID is a content identifier (CIDv1 string).
type ID string

func (id ID) String() string { return string(id) }

// Store persists JSON documents under content-derived identifiers.
type Store interface {
	// Put stores doc and returns its identifier. Identical documents get identical ids.
	Put(ctx context.Context, doc any) (ID, error)
	// Get fetches raw document bytes. Absent documents return ErrNotFound.
	Get(ctx context.Context, id ID, opts ...GetOption) ([]byte, error)
	// Unpin releases the document. It reports whether anything was released.
	Unpin(ctx context.Context, id ID) (bool, error)
}

// ErrNotFound marks a document the store does not hold.
var ErrNotFound = fmt.Errorf("content: %w", sentinel.ErrNotFound)

// GetOptions carries per-call fetch hints.
type GetOptions struct {
	PreferredEndpoint string
}

// GetOption configures a Get call.
type GetOption func(*GetOptions)

// WithPreferredEndpoint tries endpoint before the configured gateways.
func WithPreferredEndpoint(endpoint string) GetOption {
	return func(o *GetOptions) { o.PreferredEndpoint = endpoint }
}

// ApplyGetOptions folds opts into a GetOptions value.
func ApplyGetOptions(opts ...GetOption) GetOptions {
	var o GetOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// Encode serializes doc for storage. Raw JSON is stored as given.
func Encode(doc any) ([]byte, error) {
	var b []byte
	switch v := doc.(type) {
	case []byte:
		b = v
	case json.RawMessage:
		b = v
	default:
		var err error
		if b, err = json.Marshal(doc); err != nil {
			return nil, NewStoreError(CategoryBadData, "document is not JSON-serializable", err)
		}
	}
	if !json.Valid(b) {
		return nil, NewStoreError(CategoryBadData, "document is not valid JSON", nil)
	}
	return b, nil
}

// Category normalizes store failures.
type Category string

const (
	CategoryUnavailable Category = "unavailable"
	CategoryTimeout     Category = "timeout"
	CategoryBadData     Category = "bad_data"
	CategoryNotFound    Category = "not_found"
)

// StoreError wraps backend failures with a normalized category.
type StoreError struct {
	Category   Category
	Message    string
	Underlying error
	Retryable  bool
}

func (e *StoreError) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("content store [%s]: %s: %v", e.Category, e.Message, e.Underlying)
	}
	return fmt.Sprintf("content store [%s]: %s", e.Category, e.Message)
}

func (e *StoreError) Unwrap() error { return e.Underlying }

// NewStoreError builds a StoreError; unavailable and timeout failures are retryable.
func NewStoreError(category Category, message string, underlying error) *StoreError {
	return &StoreError{
		Category:   category,
		Message:    message,
		Underlying: underlying,
		Retryable:  category == CategoryUnavailable || category == CategoryTimeout,
	}
}

// IsRetryable reports whether err is worth retrying.
func IsRetryable(err error) bool {
	var se *StoreError
	if errors.As(err, &se) {
		return se.Retryable
	}
	return false
}

// CategoryOf extracts the failure category. ErrNotFound maps to CategoryNotFound.
func CategoryOf(err error) Category {
	if errors.Is(err, ErrNotFound) {
		return CategoryNotFound
	}
	var se *StoreError
	if errors.As(err, &se) {
		return se.Category
	}
	return CategoryUnavailable
}
