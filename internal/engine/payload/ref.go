package payload

import (
	"context"
	"encoding/base64"
	"fmt"

	"hookrelay/internal/platform/blob"
	"hookrelay/internal/platform/models"
)

// Ref locates the original bytes of a stored payload.
type Ref interface {
	Resolve(ctx context.Context, store blob.Store) ([]byte, error)
}

type Inline []byte

func (i Inline) Resolve(context.Context, blob.Store) ([]byte, error) {
	return []byte(i), nil
}

// Base64 is an inline payload stored base64 encoded.
type Base64 string

func (b Base64) Resolve(context.Context, blob.Store) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(string(b))
	if err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return data, nil
}

type Blob string

func (b Blob) Resolve(ctx context.Context, store blob.Store) ([]byte, error) {
	if store == nil {
		return nil, fmt.Errorf("payload %s is offloaded: %w", string(b), blob.ErrNotConfigured)
	}
	data, err := store.Get(ctx, string(b))
	if err != nil {
		return nil, fmt.Errorf("fetch payload %s: %w", string(b), err)
	}
	return data, nil
}

// RefOf picks the reference for a stored webhook.
func RefOf(w *models.Webhook) Ref {
	if w.PayloadLocation != nil && *w.PayloadLocation != "" {
		return Blob(*w.PayloadLocation)
	}
	if w.PayloadEncoding == models.EncodingBase64 {
		return Base64(w.Payload)
	}
	return Inline(w.Payload)
}

// Stored is where a payload ends up: inline text in Payload, or a blob key
// in Location with Payload left empty.
type Stored struct {
	Payload  string
	Encoding string
	Location *string
}

// Offload decides where body lives. Bodies at or under threshold, or any
// body when store is nil, stay inline. Blobs hold the raw bytes.
func Offload(ctx context.Context, store blob.Store, webhookID string, body []byte, threshold int) (Stored, error) {
	if store == nil || threshold <= 0 || len(body) <= threshold {
		text, encoding := Encode(body)
		return Stored{Payload: text, Encoding: encoding}, nil
	}
	key, err := store.Put(ctx, blob.PayloadKey(webhookID), body)
	if err != nil {
		return Stored{}, fmt.Errorf("offload payload: %w", err)
	}
	return Stored{Encoding: models.EncodingText, Location: &key}, nil
}
