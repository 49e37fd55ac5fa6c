// Package blob is Relay's avatar blob-store boundary. Avatars are uploaded
// and fetched directly by clients via presigned URLs; Relay never proxies
// the bytes.
package blob

import (
	"context"
	"errors"
	"time"
)

// DefaultPresignExpiry bounds how long a presigned URL stays valid.
const DefaultPresignExpiry = 15 * time.Minute

// ErrNotConfigured is returned by the disabled store when no blob backend
// is configured.
var ErrNotConfigured = errors.New("blob: store not configured")

// Store hands out presigned URLs for avatar objects.
type Store interface {
	// PresignPut returns a URL a client can PUT the object to.
	PresignPut(ctx context.Context, key, contentType string) (string, error)
	// PresignGet returns a URL a client can GET the object from.
	PresignGet(ctx context.Context, key string) (string, error)
	// Delete removes the object.
	Delete(ctx context.Context, key string) error
}

// Disabled is the Store used when no backend is configured; every call
// fails with ErrNotConfigured.
type Disabled struct{}

func (Disabled) PresignPut(context.Context, string, string) (string, error) {
	return "", ErrNotConfigured
}

func (Disabled) PresignGet(context.Context, string) (string, error) {
	return "", ErrNotConfigured
}

func (Disabled) Delete(context.Context, string) error {
	return ErrNotConfigured
}
