// Package kvstore is the durable key-value layer under the session store.
// Only internal/session talks to it; key names come from config.StorageKey.
package kvstore

import (
	"context"
	"errors"
)

// ErrEmptyKey is returned when a write names an empty key.
var ErrEmptyKey = errors.New("kvstore: empty key")

// Entry is one key/value write.
type Entry struct {
	Key   string
	Value string
}

// Store is a string-valued durable key-value store.
//
// SetMany applies its entries in slice order inside one transaction, so a
// reader never observes a later entry without the earlier ones.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	GetMany(ctx context.Context, keys []string) (map[string]string, error)
	Set(ctx context.Context, key, value string) error
	SetMany(ctx context.Context, entries []Entry) error
	Delete(ctx context.Context, keys ...string) error
	// DeletePrefix removes every key starting with prefix and reports how
	// many were removed.
	DeletePrefix(ctx context.Context, prefix string) (int, error)
	Keys(ctx context.Context, prefix string) ([]string, error)
}

func validate(entries []Entry) error {
	for _, e := range entries {
		if e.Key == "" {
			return ErrEmptyKey
		}
	}
	return nil
}
