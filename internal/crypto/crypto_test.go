package crypto

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"go.mau.fi/libsignal/ecc"
	"go.mau.fi/libsignal/keys/identity"
	"go.mau.fi/libsignal/keys/prekey"
	"go.mau.fi/libsignal/protocol"
	"go.mau.fi/libsignal/serialize"
	"go.mau.fi/libsignal/session"
	"go.mau.fi/libsignal/signalerror"
	"go.mau.fi/libsignal/state/record"
	"go.mau.fi/libsignal/util/keyhelper"

	"github.com/BTreeMap/Courier/internal/models"
	"github.com/BTreeMap/Courier/internal/store"
	"github.com/BTreeMap/Courier/internal/testutil"
)

// memSessions is an in-memory SessionStore keyed by address string.
type memSessions struct {
	mu         sync.Mutex
	identity   *identity.KeyPair
	regID      uint32
	sessions   map[string]*record.Session
	devices    map[string][]uint32
	trusted    map[string]*identity.Key
	serializer *serialize.Serializer
}

func newMemSessions(t *testing.T) *memSessions {
	t.Helper()
	pair, err := keyhelper.GenerateIdentityKeyPair()
	if err != nil {
		t.Fatalf("GenerateIdentityKeyPair failed: %v", err)
	}
	return &memSessions{
		identity:   pair,
		regID:      keyhelper.GenerateRegistrationID(),
		sessions:   make(map[string]*record.Session),
		devices:    make(map[string][]uint32),
		trusted:    make(map[string]*identity.Key),
		serializer: serialize.NewProtoBufSerializer(),
	}
}

func (m *memSessions) LoadSession(ctx context.Context, addr *protocol.SignalAddress) (*record.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.sessions[addr.String()]; ok {
		return rec, nil
	}
	return record.NewSession(m.serializer.Session, m.serializer.State), nil
}

func (m *memSessions) GetSubDeviceSessions(ctx context.Context, name string) ([]uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []uint32
	for _, id := range m.devices[name] {
		if id != 1 {
			out = append(out, id)
		}
	}
	return out, nil
}

func (m *memSessions) StoreSession(ctx context.Context, addr *protocol.SignalAddress, rec *record.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[addr.String()]; !ok {
		m.devices[addr.Name()] = append(m.devices[addr.Name()], addr.DeviceID())
	}
	m.sessions[addr.String()] = rec
	return nil
}

func (m *memSessions) ContainsSession(ctx context.Context, addr *protocol.SignalAddress) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[addr.String()]
	return ok, nil
}

func (m *memSessions) DeleteSession(ctx context.Context, addr *protocol.SignalAddress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, addr.String())
	return nil
}

func (m *memSessions) DeleteAllSessions(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions = make(map[string]*record.Session)
	m.devices = make(map[string][]uint32)
	return nil
}

func (m *memSessions) GetIdentityKeyPair() *identity.KeyPair { return m.identity }

func (m *memSessions) GetLocalRegistrationID() uint32 { return m.regID }

func (m *memSessions) SaveIdentity(ctx context.Context, addr *protocol.SignalAddress, key *identity.Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trusted[addr.String()] = key
	return nil
}

func (m *memSessions) IsTrustedIdentity(ctx context.Context, addr *protocol.SignalAddress, key *identity.Key) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	trusted := m.trusted[addr.String()]
	return trusted == nil || trusted.Fingerprint() == key.Fingerprint(), nil
}

func newTestKeyRepo(t *testing.T) store.KeyRepo {
	t.Helper()
	s, _ := testutil.NewSQLiteStore(t, "crypto_test_")
	return s
}

// peer is one side of a conversation: a session store plus local key material.
type peer struct {
	name     string
	sessions *memSessions
	keys     *SignalKeys
	repo     store.KeyRepo
}

func newPeer(t *testing.T, name string) *peer {
	t.Helper()
	sessions := newMemSessions(t)
	repo := newTestKeyRepo(t)
	keys := NewSignalKeys(repo, sessions)
	ctx := context.Background()
	if _, err := keys.RefreshPreKeys(ctx); err != nil {
		t.Fatalf("RefreshPreKeys failed: %v", err)
	}
	if err := keys.RotateSignedPreKey(ctx); err != nil {
		t.Fatalf("RotateSignedPreKey failed: %v", err)
	}
	return &peer{name: name, sessions: sessions, keys: keys, repo: repo}
}

func (p *peer) engine() *SignalEngine { return NewSignalEngine(p.sessions, p.keys.KeyStore()) }

// bundle publishes p's pre-key 1 and signed pre-key 1.
func (p *peer) bundle(t *testing.T) *prekey.Bundle {
	t.Helper()
	ctx := context.Background()
	pk, err := p.keys.KeyStore().LoadPreKey(ctx, 1)
	if err != nil || pk == nil {
		t.Fatalf("LoadPreKey failed: %v", err)
	}
	spk, err := p.keys.KeyStore().LoadSignedPreKey(ctx, 1)
	if err != nil || spk == nil {
		t.Fatalf("LoadSignedPreKey failed: %v", err)
	}
	return prekey.NewBundle(
		p.sessions.regID, 1, pk.ID(), spk.ID(),
		pk.KeyPair().PublicKey(), spk.KeyPair().PublicKey(), spk.Signature(),
		p.sessions.identity.PublicKey(),
	)
}

// sender encrypts messages from alice to bob.
type sender struct {
	cipher *session.Cipher
}

func newSender(t *testing.T, alice, bob *peer) *sender {
	t.Helper()
	ser := serialize.NewProtoBufSerializer()
	bobAddr := protocol.NewSignalAddress(bob.name, 1)
	ks := alice.keys.KeyStore()
	builder := session.NewBuilder(alice.sessions, ks, ks, alice.sessions, bobAddr, ser)
	if err := builder.ProcessBundle(context.Background(), bob.bundle(t)); err != nil {
		t.Fatalf("ProcessBundle failed: %v", err)
	}
	return &sender{cipher: session.NewCipher(builder, bobAddr)}
}

func (s *sender) envelope(t *testing.T, id, body string) (*models.Envelope, protocol.CiphertextMessage) {
	t.Helper()
	msg, err := s.cipher.Encrypt(context.Background(), []byte(body))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	typ := models.EnvelopeTypeCiphertext
	if msg.Type() == protocol.PREKEY_TYPE {
		typ = models.EnvelopeTypePreKeyBundle
	}
	return &models.Envelope{ID: id, Type: typ, Source: "alice", SourceDevice: 1, Content: msg.Serialize()}, msg
}

func TestSignalEngine_DecryptAndRedelivery(t *testing.T) {
	ctx := context.Background()
	alice, bob := newPeer(t, "alice"), newPeer(t, "bob")
	out := newSender(t, alice, bob)
	engine := bob.engine()

	env, _ := out.envelope(t, "env-1", "hello bob")
	if env.Type != models.EnvelopeTypePreKeyBundle {
		t.Fatalf("expected first message to be a prekey message, got %s", env.Type)
	}
	res, err := engine.Decrypt(ctx, env)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if res.Kind != ResultPlaintext || string(res.Plaintext) != "hello bob" || !res.UsedPreKey {
		t.Fatalf("unexpected result: %+v", res)
	}
	if rec, _ := bob.repo.LoadPreKey(1); rec != nil {
		t.Error("expected consumed one-time prekey to be removed")
	}

	again, err := engine.Decrypt(ctx, env)
	if err != nil {
		t.Fatalf("Decrypt of redelivered envelope failed: %v", err)
	}
	if again.Kind != ResultDuplicate {
		t.Errorf("expected duplicate on redelivery, got %s (%v)", again.Kind, again.Cause)
	}

	env2, _ := out.envelope(t, "env-2", "second")
	res2, err := engine.Decrypt(ctx, env2)
	if err != nil || res2.Kind != ResultPlaintext || string(res2.Plaintext) != "second" {
		t.Errorf("unexpected second result: %+v (%v)", res2, err)
	}
}

func TestSignalEngine_ClassifiedFailures(t *testing.T) {
	ctx := context.Background()
	alice, bob := newPeer(t, "alice"), newPeer(t, "bob")
	out := newSender(t, alice, bob)
	engine := bob.engine()

	_, msg := out.envelope(t, "env-1", "hi")
	whisper := msg.(*protocol.PreKeySignalMessage).WhisperMessage().Serialize()

	noSession := &models.Envelope{ID: "env-ns", Type: models.EnvelopeTypeCiphertext, Source: "carol", SourceDevice: 1, Content: whisper}
	if res, err := engine.Decrypt(ctx, noSession); err != nil || res.Kind != ResultNoSession {
		t.Errorf("expected no_session, got %+v (%v)", res, err)
	}

	legacyBytes := append([]byte(nil), whisper...)
	legacyBytes[0] = byte(1<<4 | protocol.CurrentVersion)
	legacy := &models.Envelope{ID: "env-legacy", Type: models.EnvelopeTypeCiphertext, Source: "alice", SourceDevice: 1, Content: legacyBytes}
	if res, err := engine.Decrypt(ctx, legacy); err != nil || res.Kind != ResultLegacy {
		t.Errorf("expected legacy, got %+v (%v)", res, err)
	}

	keyExchange := &models.Envelope{ID: "env-kx", Type: models.EnvelopeTypeKeyExchange, Source: "alice", SourceDevice: 1}
	if res, _ := engine.Decrypt(ctx, keyExchange); res.Kind != ResultLegacy {
		t.Errorf("expected legacy for key exchange, got %s", res.Kind)
	}

	garbage := &models.Envelope{ID: "env-bad", Type: models.EnvelopeTypeCiphertext, Source: "alice", SourceDevice: 1, Content: []byte{0x33, 0x01}}
	if res, err := engine.Decrypt(ctx, garbage); err != nil || res.Kind != ResultCorrupt {
		t.Errorf("expected corrupt, got %+v (%v)", res, err)
	}

	plain := &models.Envelope{ID: "env-plain", Type: models.EnvelopeTypePlaintext, Source: "server", Content: []byte(`{"body":"x"}`)}
	if res, _ := engine.Decrypt(ctx, plain); res.Kind != ResultPlaintext || !bytes.Equal(res.Plaintext, plain.Content) {
		t.Errorf("expected plaintext passthrough, got %+v", res)
	}
}

func TestSignalEngine_UntrustedIdentity(t *testing.T) {
	ctx := context.Background()
	alice, bob := newPeer(t, "alice"), newPeer(t, "bob")

	stranger, err := keyhelper.GenerateIdentityKeyPair()
	if err != nil {
		t.Fatalf("GenerateIdentityKeyPair failed: %v", err)
	}
	bob.sessions.SaveIdentity(ctx, protocol.NewSignalAddress("alice", 1), stranger.PublicKey())

	env, _ := newSender(t, alice, bob).envelope(t, "env-1", "hi")
	res, err := bob.engine().Decrypt(ctx, env)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if res.Kind != ResultUntrustedIdentity {
		t.Fatalf("expected untrusted identity, got %s (%v)", res.Kind, res.Cause)
	}

	if err := bob.engine().TrustIdentity(ctx, env); err != nil {
		t.Fatalf("TrustIdentity failed: %v", err)
	}
	res, err = bob.engine().Decrypt(ctx, env)
	if err != nil {
		t.Fatalf("Decrypt after trust failed: %v", err)
	}
	if res.Kind != ResultPlaintext {
		t.Errorf("expected plaintext after trust, got %s (%v)", res.Kind, res.Cause)
	}

	plain := &models.Envelope{ID: "env-2", Type: models.EnvelopeTypeCiphertext, Source: "alice", SourceDevice: 1}
	if err := bob.engine().TrustIdentity(ctx, plain); !errors.Is(err, ErrNoIdentityKey) {
		t.Errorf("expected ErrNoIdentityKey, got %v", err)
	}
}

func TestSignalEngine_ResetSession(t *testing.T) {
	ctx := context.Background()
	alice, bob := newPeer(t, "alice"), newPeer(t, "bob")
	out := newSender(t, alice, bob)
	engine := bob.engine()

	env, _ := out.envelope(t, "env-1", "hi")
	if res, err := engine.Decrypt(ctx, env); err != nil || res.Kind != ResultPlaintext {
		t.Fatalf("setup decrypt failed: %+v (%v)", res, err)
	}
	aliceAddr := protocol.NewSignalAddress("alice", 1)
	if ok, _ := bob.sessions.ContainsSession(ctx, aliceAddr); !ok {
		t.Fatal("expected session with alice")
	}
	if err := engine.ResetSession(ctx, "alice"); err != nil {
		t.Fatalf("ResetSession failed: %v", err)
	}
	if ok, _ := bob.sessions.ContainsSession(ctx, aliceAddr); ok {
		t.Error("expected session to be deleted")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want ResultKind
	}{
		{fmt.Errorf("%w (index: 3, count: 2)", signalerror.ErrOldCounter), ResultDuplicate},
		{signalerror.ErrOldMessageVersion, ResultLegacy},
		{signalerror.ErrUnknownMessageVersion, ResultLegacy},
		{fmt.Errorf("%w alice:1", signalerror.ErrNoSessionForUser), ResultNoSession},
		{signalerror.ErrUninitializedSession, ResultNoSession},
		{signalerror.ErrUntrustedIdentity, ResultUntrustedIdentity},
		{signalerror.ErrBadMAC, ResultCorrupt},
		{signalerror.ErrNoValidSessions, ResultCorrupt},
		{errors.New("something else"), ResultCorrupt},
	}
	for _, tt := range tests {
		if got := classify(tt.err); got != tt.want {
			t.Errorf("classify(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
	if !isInfrastructure(storeErr("load prekey", errors.New("disk full"))) {
		t.Error("key store failures must be infrastructure errors")
	}
	if !isInfrastructure(context.Canceled) || isInfrastructure(signalerror.ErrBadMAC) {
		t.Error("unexpected infrastructure classification")
	}
}

func TestSignalKeys_RefreshAndRotate(t *testing.T) {
	ctx := context.Background()
	p := newPeer(t, "bob")

	if n, _ := p.repo.CountPreKeys(); n != PreKeyBatchSize {
		t.Fatalf("expected %d prekeys, got %d", PreKeyBatchSize, n)
	}
	if n, err := p.keys.RefreshPreKeys(ctx); err != nil || n != 0 {
		t.Errorf("expected no refresh with a full pool, got %d (%v)", n, err)
	}
	for id := uint32(1); id <= PreKeyBatchSize-MinPreKeys+1; id++ {
		p.repo.RemovePreKey(id)
	}
	n, err := p.keys.RefreshPreKeys(ctx)
	if err != nil || n != PreKeyBatchSize {
		t.Fatalf("expected a new batch, got %d (%v)", n, err)
	}
	if maxID, _ := p.repo.MaxPreKeyID(); maxID != 2*PreKeyBatchSize {
		t.Errorf("expected ids to continue after the previous batch, max=%d", maxID)
	}

	for i := 0; i < SignedPreKeysKept+2; i++ {
		if err := p.keys.RotateSignedPreKey(ctx); err != nil {
			t.Fatalf("RotateSignedPreKey failed: %v", err)
		}
	}
	signed, err := p.repo.ListSignedPreKeys()
	if err != nil {
		t.Fatalf("ListSignedPreKeys failed: %v", err)
	}
	if len(signed) != SignedPreKeysKept {
		t.Fatalf("expected %d signed prekeys kept, got %d", SignedPreKeysKept, len(signed))
	}
	if signed[len(signed)-1].ID != uint32(SignedPreKeysKept+3) {
		t.Errorf("expected newest signed prekey id %d, got %d", SignedPreKeysKept+3, signed[len(signed)-1].ID)
	}
}

func TestKeyStore_RoundTripKeepsKeys(t *testing.T) {
	ctx := context.Background()
	pair, err := keyhelper.GenerateIdentityKeyPair()
	if err != nil {
		t.Fatalf("GenerateIdentityKeyPair failed: %v", err)
	}
	ser := serialize.NewProtoBufSerializer()
	ks := NewKeyStore(newTestKeyRepo(t))

	signed, err := keyhelper.GenerateSignedPreKey(pair, 7, ser.SignedPreKeyRecord)
	if err != nil {
		t.Fatalf("GenerateSignedPreKey failed: %v", err)
	}
	if err := ks.StoreSignedPreKey(ctx, 7, signed); err != nil {
		t.Fatalf("StoreSignedPreKey failed: %v", err)
	}
	loaded, err := ks.LoadSignedPreKey(ctx, 7)
	if err != nil || loaded == nil {
		t.Fatalf("LoadSignedPreKey failed: %v", err)
	}
	if loaded.ID() != 7 || loaded.Timestamp() != signed.Timestamp() {
		t.Errorf("id/timestamp changed: %d/%d", loaded.ID(), loaded.Timestamp())
	}
	if !bytes.Equal(loaded.KeyPair().PublicKey().Serialize(), signed.KeyPair().PublicKey().Serialize()) {
		t.Error("signed prekey public key changed across storage")
	}
	if loaded.KeyPair().PrivateKey().Serialize() != signed.KeyPair().PrivateKey().Serialize() {
		t.Error("signed prekey private key changed across storage")
	}
	if !ecc.VerifySignature(pair.PublicKey().PublicKey(), loaded.KeyPair().PublicKey().Serialize(), loaded.Signature()) {
		t.Error("stored signed prekey no longer verifies")
	}
	all, err := ks.LoadSignedPreKeys(ctx)
	if err != nil || len(all) != 1 || all[0].ID() != 7 {
		t.Fatalf("LoadSignedPreKeys = %d keys, %v", len(all), err)
	}

	preKeys, err := keyhelper.GeneratePreKeys(1, 2, ser.PreKeyRecord)
	if err != nil {
		t.Fatalf("GeneratePreKeys failed: %v", err)
	}
	for _, pk := range preKeys {
		if err := ks.StorePreKey(ctx, pk.ID().Value, pk); err != nil {
			t.Fatalf("StorePreKey failed: %v", err)
		}
		got, err := ks.LoadPreKey(ctx, pk.ID().Value)
		if err != nil || got == nil {
			t.Fatalf("LoadPreKey failed: %v", err)
		}
		if got.ID().Value != pk.ID().Value {
			t.Errorf("prekey id changed: %d", got.ID().Value)
		}
		if !bytes.Equal(got.KeyPair().PublicKey().Serialize(), pk.KeyPair().PublicKey().Serialize()) {
			t.Errorf("prekey %d public key changed across storage", pk.ID().Value)
		}
	}

	if err := ks.repo.SaveSignedPreKey(store.KeyRow{ID: 9, Record: []byte("short"), CreatedAt: time.Now()}); err != nil {
		t.Fatalf("SaveSignedPreKey failed: %v", err)
	}
	if _, err := ks.LoadSignedPreKey(ctx, 9); !errors.Is(err, ErrKeyStore) {
		t.Errorf("expected ErrKeyStore for a malformed record, got %v", err)
	}
}

func TestStaleSignedPreKeys(t *testing.T) {
	now := time.Now()
	rows := []store.KeyRow{
		{ID: 1, CreatedAt: now.Add(-3 * time.Hour)},
		{ID: 2, CreatedAt: now.Add(-2 * time.Hour)},
		{ID: 3, CreatedAt: now},
		{ID: 4, CreatedAt: now},
	}
	stale := staleSignedPreKeys(rows, 2)
	if len(stale) != 2 || stale[0] != 2 || stale[1] != 1 {
		t.Errorf("unexpected stale ids: %v", stale)
	}
	if got := staleSignedPreKeys(rows[:1], 3); len(got) != 0 {
		t.Errorf("expected nothing stale, got %v", got)
	}
}

func TestResultKindString(t *testing.T) {
	for kind, want := range map[ResultKind]string{
		ResultPlaintext: "plaintext", ResultDuplicate: "duplicate", ResultUntrustedIdentity: "untrusted_identity",
	} {
		if kind.String() != want {
			t.Errorf("%d.String() = %s, want %s", kind, kind.String(), want)
		}
	}
	if !strings.HasPrefix(ResultKind(99).String(), "unknown") {
		t.Error("expected unknown kind string")
	}
}
