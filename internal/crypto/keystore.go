package crypto

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"go.mau.fi/libsignal/ecc"
	"go.mau.fi/libsignal/serialize"
	"go.mau.fi/libsignal/state/record"
	sigstore "go.mau.fi/libsignal/state/store"

	"github.com/BTreeMap/Courier/internal/store"
)

// KeyStore exposes a store.KeyRepo as libsignal pre-key and signed pre-key stores.
type KeyStore struct {
	repo       store.KeyRepo
	serializer *serialize.Serializer
}

// Compile-time checks that KeyStore satisfies the libsignal store interfaces.
var (
	_ sigstore.PreKey       = (*KeyStore)(nil)
	_ sigstore.SignedPreKey = (*KeyStore)(nil)
)

// NewKeyStore wraps repo using the protobuf serializer.
func NewKeyStore(repo store.KeyRepo) *KeyStore {
	return &KeyStore{repo: repo, serializer: serialize.NewProtoBufSerializer()}
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrKeyStore, op, err)
}

// Stored key layouts. Public keys are kept without their type byte, as raw curve points.
//
//	pre-key:        public(32) private(32)
//	signed pre-key: public(32) private(32) signature(64) timestamp(8, big endian)
const (
	keyLen          = 32
	preKeyLen       = 2 * keyLen
	signedPreKeyLen = preKeyLen + 64 + 8
)

func encodeKeyPair(buf []byte, pair *ecc.ECKeyPair) {
	pub := pair.PublicKey().PublicKey()
	priv := pair.PrivateKey().Serialize()
	copy(buf[:keyLen], pub[:])
	copy(buf[keyLen:preKeyLen], priv[:])
}

func decodeKeyPair(buf []byte) *ecc.ECKeyPair {
	return ecc.NewECKeyPair(
		ecc.NewDjbECPublicKey([keyLen]byte(buf[:keyLen])),
		ecc.NewDjbECPrivateKey([keyLen]byte(buf[keyLen:preKeyLen])),
	)
}

func encodePreKey(key *record.PreKey) []byte {
	buf := make([]byte, preKeyLen)
	encodeKeyPair(buf, key.KeyPair())
	return buf
}

func (k *KeyStore) decodePreKey(id uint32, raw []byte) (*record.PreKey, error) {
	if len(raw) != preKeyLen {
		return nil, fmt.Errorf("prekey %d: record is %d bytes, want %d", id, len(raw), preKeyLen)
	}
	return record.NewPreKey(id, decodeKeyPair(raw), k.serializer.PreKeyRecord), nil
}

func encodeSignedPreKey(rec *record.SignedPreKey) []byte {
	buf := make([]byte, signedPreKeyLen)
	encodeKeyPair(buf, rec.KeyPair())
	sig := rec.Signature()
	copy(buf[preKeyLen:preKeyLen+64], sig[:])
	binary.BigEndian.PutUint64(buf[preKeyLen+64:], uint64(rec.Timestamp()))
	return buf
}

func (k *KeyStore) decodeSignedPreKey(id uint32, raw []byte) (*record.SignedPreKey, error) {
	if len(raw) != signedPreKeyLen {
		return nil, fmt.Errorf("signed prekey %d: record is %d bytes, want %d", id, len(raw), signedPreKeyLen)
	}
	sig := [64]byte(raw[preKeyLen : preKeyLen+64])
	ts := int64(binary.BigEndian.Uint64(raw[preKeyLen+64:]))
	return record.NewSignedPreKey(id, ts, decodeKeyPair(raw), sig, k.serializer.SignedPreKeyRecord), nil
}

func (k *KeyStore) LoadPreKey(ctx context.Context, preKeyID uint32) (*record.PreKey, error) {
	raw, err := k.repo.LoadPreKey(preKeyID)
	if err != nil {
		return nil, storeErr("load prekey", err)
	}
	if raw == nil {
		return nil, nil
	}
	rec, err := k.decodePreKey(preKeyID, raw)
	if err != nil {
		return nil, storeErr("decode prekey", err)
	}
	return rec, nil
}

func (k *KeyStore) StorePreKey(ctx context.Context, preKeyID uint32, preKeyRecord *record.PreKey) error {
	return k.storePreKeys([]*record.PreKey{preKeyRecord})
}

func (k *KeyStore) storePreKeys(keys []*record.PreKey) error {
	now := time.Now()
	rows := make([]store.KeyRow, 0, len(keys))
	for _, key := range keys {
		rows = append(rows, store.KeyRow{ID: key.ID().Value, Record: encodePreKey(key), CreatedAt: now})
	}
	if err := k.repo.SavePreKeys(rows); err != nil {
		return storeErr("save prekeys", err)
	}
	return nil
}

func (k *KeyStore) ContainsPreKey(ctx context.Context, preKeyID uint32) (bool, error) {
	raw, err := k.repo.LoadPreKey(preKeyID)
	if err != nil {
		return false, storeErr("load prekey", err)
	}
	return raw != nil, nil
}

func (k *KeyStore) RemovePreKey(ctx context.Context, preKeyID uint32) error {
	if err := k.repo.RemovePreKey(preKeyID); err != nil {
		return storeErr("remove prekey", err)
	}
	return nil
}

func (k *KeyStore) LoadSignedPreKey(ctx context.Context, signedPreKeyID uint32) (*record.SignedPreKey, error) {
	raw, err := k.repo.LoadSignedPreKey(signedPreKeyID)
	if err != nil {
		return nil, storeErr("load signed prekey", err)
	}
	if raw == nil {
		return nil, nil
	}
	rec, err := k.decodeSignedPreKey(signedPreKeyID, raw)
	if err != nil {
		return nil, storeErr("decode signed prekey", err)
	}
	return rec, nil
}

func (k *KeyStore) LoadSignedPreKeys(ctx context.Context) ([]*record.SignedPreKey, error) {
	rows, err := k.repo.ListSignedPreKeys()
	if err != nil {
		return nil, storeErr("list signed prekeys", err)
	}
	out := make([]*record.SignedPreKey, 0, len(rows))
	for _, row := range rows {
		rec, err := k.decodeSignedPreKey(row.ID, row.Record)
		if err != nil {
			return nil, storeErr("decode signed prekey", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func (k *KeyStore) StoreSignedPreKey(ctx context.Context, signedPreKeyID uint32, rec *record.SignedPreKey) error {
	if err := k.repo.SaveSignedPreKey(store.KeyRow{ID: signedPreKeyID, Record: encodeSignedPreKey(rec), CreatedAt: time.Now()}); err != nil {
		return storeErr("save signed prekey", err)
	}
	return nil
}

func (k *KeyStore) ContainsSignedPreKey(ctx context.Context, signedPreKeyID uint32) (bool, error) {
	raw, err := k.repo.LoadSignedPreKey(signedPreKeyID)
	if err != nil {
		return false, storeErr("load signed prekey", err)
	}
	return raw != nil, nil
}

func (k *KeyStore) RemoveSignedPreKey(ctx context.Context, signedPreKeyID uint32) error {
	if err := k.repo.RemoveSignedPreKey(signedPreKeyID); err != nil {
		return storeErr("remove signed prekey", err)
	}
	return nil
}
