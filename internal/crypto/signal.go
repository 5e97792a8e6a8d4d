package crypto

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.mau.fi/libsignal/protocol"
	"go.mau.fi/libsignal/serialize"
	"go.mau.fi/libsignal/session"
	"go.mau.fi/libsignal/signalerror"
	sigstore "go.mau.fi/libsignal/state/store"

	"github.com/BTreeMap/Courier/internal/models"
)

// SessionStore is the part of the device store that holds sessions and identities.
// The whatsmeow device satisfies it.
type SessionStore interface {
	sigstore.Session
	sigstore.IdentityKey
}

// SignalEngine decrypts envelopes with libsignal.
type SignalEngine struct {
	sessions   SessionStore
	keys       *KeyStore
	serializer *serialize.Serializer
}

// Compile-time check that SignalEngine implements Engine.
var _ Engine = (*SignalEngine)(nil)

// NewSignalEngine builds an engine over the device session store and the local pre-key store.
func NewSignalEngine(sessions SessionStore, keys *KeyStore) *SignalEngine {
	return &SignalEngine{sessions: sessions, keys: keys, serializer: serialize.NewProtoBufSerializer()}
}

func (e *SignalEngine) cipher(addr *protocol.SignalAddress) *session.Cipher {
	builder := session.NewBuilder(e.sessions, e.keys, e.keys, e.sessions, addr, e.serializer)
	return session.NewCipher(builder, addr)
}

// Decrypt implements Engine.
func (e *SignalEngine) Decrypt(ctx context.Context, env *models.Envelope) (Result, error) {
	addr := protocol.NewSignalAddress(env.Source, env.SourceDevice)

	var (
		plaintext []byte
		err       error
		preKey    bool
	)
	switch env.Type {
	case models.EnvelopeTypePlaintext:
		return Result{Kind: ResultPlaintext, Plaintext: env.Content}, nil
	case models.EnvelopeTypeKeyExchange:
		return Result{Kind: ResultLegacy, Cause: errors.New("key exchange envelopes are no longer supported")}, nil
	case models.EnvelopeTypeCiphertext:
		var msg *protocol.SignalMessage
		msg, err = protocol.NewSignalMessageFromBytes(env.Content, e.serializer.SignalMessage)
		if err == nil {
			plaintext, err = e.cipher(addr).Decrypt(ctx, msg)
		}
	case models.EnvelopeTypePreKeyBundle:
		preKey = true
		var msg *protocol.PreKeySignalMessage
		msg, err = protocol.NewPreKeySignalMessageFromBytes(env.Content, e.serializer.PreKeySignalMessage, e.serializer.SignalMessage)
		if err == nil {
			plaintext, err = e.cipher(addr).DecryptMessage(ctx, msg)
		}
	default:
		return Result{Kind: ResultCorrupt, Cause: fmt.Errorf("unsupported envelope type %s", env.Type)}, nil
	}

	if err == nil {
		return Result{Kind: ResultPlaintext, Plaintext: plaintext, UsedPreKey: preKey}, nil
	}
	if isInfrastructure(err) {
		slog.Warn("SignalEngine.Decrypt: infrastructure failure", "envelope_id", env.ID, "error", err)
		return Result{}, fmt.Errorf("decrypt envelope %s: %w", env.ID, err)
	}
	kind := classify(err)
	slog.Debug("SignalEngine.Decrypt: classified failure", "envelope_id", env.ID, "kind", kind, "error", err)
	return Result{Kind: kind, UsedPreKey: preKey, Cause: err}, nil
}

// isInfrastructure reports errors that say nothing about the envelope itself.
func isInfrastructure(err error) bool {
	return errors.Is(err, ErrKeyStore) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// classify maps a libsignal failure to a result kind.
func classify(err error) ResultKind {
	switch {
	case errors.Is(err, signalerror.ErrOldCounter):
		return ResultDuplicate
	case errors.Is(err, signalerror.ErrOldMessageVersion),
		errors.Is(err, signalerror.ErrUnknownMessageVersion),
		errors.Is(err, signalerror.ErrWrongMessageVersion):
		return ResultLegacy
	case errors.Is(err, signalerror.ErrNoSessionForUser),
		errors.Is(err, signalerror.ErrUninitializedSession):
		return ResultNoSession
	case errors.Is(err, signalerror.ErrUntrustedIdentity):
		return ResultUntrustedIdentity
	default:
		return ResultCorrupt
	}
}

// ResetSession implements Engine.
func (e *SignalEngine) ResetSession(ctx context.Context, address string) error {
	devices, err := e.sessions.GetSubDeviceSessions(ctx, address)
	if err != nil {
		return fmt.Errorf("list sessions for %s: %w", address, err)
	}
	// Device 1 is the primary and is not reported as a sub-device.
	devices = append(devices, 1)
	for _, id := range devices {
		if err := e.sessions.DeleteSession(ctx, protocol.NewSignalAddress(address, id)); err != nil {
			return fmt.Errorf("delete session %s.%d: %w", address, id, err)
		}
	}
	slog.Info("SignalEngine.ResetSession: sessions cleared", "address", address, "devices", len(devices))
	return nil
}

// TrustIdentity implements Engine. Only pre-key envelopes carry the sender identity.
func (e *SignalEngine) TrustIdentity(ctx context.Context, env *models.Envelope) error {
	if env.Type != models.EnvelopeTypePreKeyBundle {
		return fmt.Errorf("%w: %s", ErrNoIdentityKey, env.Type)
	}
	msg, err := protocol.NewPreKeySignalMessageFromBytes(env.Content, e.serializer.PreKeySignalMessage, e.serializer.SignalMessage)
	if err != nil {
		return fmt.Errorf("parse prekey message: %w", err)
	}
	addr := protocol.NewSignalAddress(env.Source, env.SourceDevice)
	if err := e.sessions.SaveIdentity(ctx, addr, msg.IdentityKey()); err != nil {
		return fmt.Errorf("save identity for %s: %w", addr, err)
	}
	slog.Info("SignalEngine.TrustIdentity: identity accepted", "address", addr.String())
	return nil
}
