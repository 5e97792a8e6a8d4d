package crypto

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.mau.fi/libsignal/serialize"
	sigstore "go.mau.fi/libsignal/state/store"
	"go.mau.fi/libsignal/util/keyhelper"
	"go.mau.fi/libsignal/util/medium"

	"github.com/BTreeMap/Courier/internal/store"
)

// Pre-key pool parameters.
const (
	// MinPreKeys is the pool size below which RefreshPreKeys generates a new batch.
	MinPreKeys = 10
	// PreKeyBatchSize is how many one-time pre-keys one refresh generates.
	PreKeyBatchSize = 100
	// SignedPreKeysKept is how many signed pre-keys survive a rotation, newest first.
	SignedPreKeysKept = 3
)

// SignalKeys implements KeyService on a store.KeyRepo.
type SignalKeys struct {
	repo       store.KeyRepo
	keys       *KeyStore
	identity   sigstore.IdentityKey
	serializer *serialize.Serializer
	now        func() time.Time
}

// Compile-time check that SignalKeys implements KeyService.
var _ KeyService = (*SignalKeys)(nil)

// NewSignalKeys signs new pre-keys with the identity held by identity.
func NewSignalKeys(repo store.KeyRepo, identity sigstore.IdentityKey) *SignalKeys {
	return &SignalKeys{
		repo:       repo,
		keys:       NewKeyStore(repo),
		identity:   identity,
		serializer: serialize.NewProtoBufSerializer(),
		now:        time.Now,
	}
}

// KeyStore returns the libsignal view of the same repository.
func (s *SignalKeys) KeyStore() *KeyStore { return s.keys }

// nextPreKeyID wraps within the medium id space, skipping 0.
func nextPreKeyID(maxID uint32) uint32 {
	next := maxID + 1
	if next >= medium.MaxValue {
		next = 1
	}
	return next
}

// RefreshPreKeys implements KeyService.
func (s *SignalKeys) RefreshPreKeys(ctx context.Context) (int, error) {
	count, err := s.repo.CountPreKeys()
	if err != nil {
		return 0, fmt.Errorf("count prekeys: %w", err)
	}
	if count >= MinPreKeys {
		slog.Debug("SignalKeys.RefreshPreKeys: pool sufficient", "count", count)
		return 0, nil
	}
	maxID, err := s.repo.MaxPreKeyID()
	if err != nil {
		return 0, fmt.Errorf("max prekey id: %w", err)
	}
	start := nextPreKeyID(maxID)
	end := start + PreKeyBatchSize - 1
	if end >= medium.MaxValue {
		start, end = 1, PreKeyBatchSize
	}
	generated, err := keyhelper.GeneratePreKeys(int(start), int(end), s.serializer.PreKeyRecord)
	if err != nil {
		return 0, fmt.Errorf("generate prekeys: %w", err)
	}
	if err := s.keys.storePreKeys(generated); err != nil {
		return 0, err
	}
	slog.Info("SignalKeys.RefreshPreKeys: generated prekeys", "count", len(generated), "first_id", start)
	return len(generated), nil
}

// RotateSignedPreKey implements KeyService.
func (s *SignalKeys) RotateSignedPreKey(ctx context.Context) error {
	pair := s.identity.GetIdentityKeyPair()
	if pair == nil {
		return fmt.Errorf("identity key pair not available")
	}
	existing, err := s.repo.ListSignedPreKeys()
	if err != nil {
		return fmt.Errorf("list signed prekeys: %w", err)
	}
	var id uint32 = 1
	if n := len(existing); n > 0 {
		id = nextPreKeyID(existing[n-1].ID)
	}
	signed, err := keyhelper.GenerateSignedPreKey(pair, id, s.serializer.SignedPreKeyRecord)
	if err != nil {
		return fmt.Errorf("generate signed prekey: %w", err)
	}
	if err := s.keys.StoreSignedPreKey(ctx, id, signed); err != nil {
		return err
	}

	existing = append(existing, store.KeyRow{ID: id, CreatedAt: s.now()})
	for _, old := range staleSignedPreKeys(existing, SignedPreKeysKept) {
		if err := s.repo.RemoveSignedPreKey(old); err != nil {
			return fmt.Errorf("remove signed prekey %d: %w", old, err)
		}
	}
	slog.Info("SignalKeys.RotateSignedPreKey: rotated", "signed_prekey_id", id)
	return nil
}

// staleSignedPreKeys returns the ids of all but the keep newest keys.
func staleSignedPreKeys(rows []store.KeyRow, keep int) []uint32 {
	sorted := append([]store.KeyRow(nil), rows...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].ID > sorted[j].ID
		}
		return sorted[i].CreatedAt.After(sorted[j].CreatedAt)
	})
	var stale []uint32
	for i, row := range sorted {
		if i >= keep {
			stale = append(stale, row.ID)
		}
	}
	return stale
}
