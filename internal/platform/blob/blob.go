// Package blob stores payloads too large to keep inline in the webhooks
// table.
package blob

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound      = errors.New("blob not found")
	ErrInvalidKey    = errors.New("invalid blob key")
	ErrNotConfigured = errors.New("blob store not configured")
)

type Store interface {
	// Put writes data under key and returns the key it was stored at.
	Put(ctx context.Context, key string, data []byte) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// PayloadKey is the object key for an offloaded webhook payload.
func PayloadKey(webhookID string) string {
	return "payloads/" + webhookID
}

func cleanKey(key string) (string, error) {
	key = strings.TrimPrefix(key, "/")
	if key == "" || strings.Contains(key, "..") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return key, nil
}
