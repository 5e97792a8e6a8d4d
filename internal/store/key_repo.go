// Package store provides the KeyRepo interface for local pre-key material.
package store

import "time"

// KeyRow is one serialized pre-key or signed pre-key record.
type KeyRow struct {
	ID        uint32
	Record    []byte
	CreatedAt time.Time
}

// KeyRepo persists one-time pre-keys and signed pre-keys. Records are opaque bytes.
type KeyRepo interface {
	// SavePreKeys upserts keys in a single transaction.
	SavePreKeys(keys []KeyRow) error

	// LoadPreKey returns the stored record, or nil if absent.
	LoadPreKey(id uint32) ([]byte, error)

	RemovePreKey(id uint32) error

	// MaxPreKeyID returns the highest stored pre-key id, or 0 when none are stored.
	MaxPreKeyID() (uint32, error)

	CountPreKeys() (int, error)

	// SaveSignedPreKey upserts a signed pre-key.
	SaveSignedPreKey(key KeyRow) error

	// LoadSignedPreKey returns the stored record, or nil if absent.
	LoadSignedPreKey(id uint32) ([]byte, error)

	// ListSignedPreKeys returns all signed pre-keys ordered by id.
	ListSignedPreKeys() ([]KeyRow, error)

	RemoveSignedPreKey(id uint32) error
}
