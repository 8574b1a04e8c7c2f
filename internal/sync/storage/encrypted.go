package storage

import (
	"context"
	"io"

	"github.com/sbarhandoff/backend/internal/crypto"
	apperrors "github.com/sbarhandoff/backend/internal/errors"
	"github.com/sbarhandoff/backend/internal/sync/queue"
)

// Encrypted seals values before they reach the wrapped store. The key name is
// bound into each value, so a value copied to another key does not open.
type Encrypted struct {
	inner  queue.Store
	sealer *crypto.Sealer
}

// NewEncrypted wraps inner with values sealed under secret.
func NewEncrypted(inner queue.Store, secret string) (*Encrypted, error) {
	sealer, err := crypto.NewSealer([]byte(secret))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrConfig, "invalid queue encryption key", err)
	}
	return &Encrypted{inner: inner, sealer: sealer}, nil
}

func (e *Encrypted) Get(ctx context.Context, key string) ([]byte, error) {
	sealed, err := e.inner.Get(ctx, key)
	if err != nil || sealed == nil {
		return sealed, err
	}
	value, err := e.sealer.Open(sealed, []byte(key))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to decrypt "+key, err)
	}
	return value, nil
}

func (e *Encrypted) Set(ctx context.Context, key string, value []byte) error {
	sealed, err := e.sealer.Seal(value, []byte(key))
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to encrypt "+key, err)
	}
	return e.inner.Set(ctx, key, sealed)
}

func (e *Encrypted) Delete(ctx context.Context, key string) error {
	return e.inner.Delete(ctx, key)
}

// Close closes the wrapped store when it has a Close method.
func (e *Encrypted) Close() error {
	if c, ok := e.inner.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
