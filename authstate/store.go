package authstate

import (
	"context"
	"errors"
)

const (
	// KindEndpointKey holds the public keys of trusted relays, by address.
	KindEndpointKey = "endpoint-key"
)

var ErrNotFound = errors.New("authstate: not found")

// Store persists raw creds and keys. Implementations must be safe for
// concurrent use.
type Store interface {
	// ReadCreds returns ErrNotFound when no creds were ever written.
	ReadCreds(ctx context.Context) ([]byte, error)
	WriteCreds(ctx context.Context, data []byte) error
	// GetKeys returns the values found for ids. Missing ids are left out.
	GetKeys(ctx context.Context, kind string, ids ...string) (map[string][]byte, error)
	// SetKeys stores every value in values. A nil value deletes the id.
	SetKeys(ctx context.Context, kind string, values map[string][]byte) error
	// Clear removes everything the store holds.
	Clear(ctx context.Context) error
	Close() error
}
