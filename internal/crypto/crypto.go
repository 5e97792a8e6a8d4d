// Package crypto decrypts inbound envelopes and maintains local key material.
//
// Decrypt reports protocol-level failures as a tagged Result rather than an error; the error
// return is reserved for infrastructure problems (storage, cancellation) that deserve a retry.
package crypto

import (
	"context"
	"errors"
	"fmt"

	"github.com/BTreeMap/Courier/internal/models"
)

// ResultKind tags the outcome of a decrypt attempt.
type ResultKind int

const (
	ResultPlaintext ResultKind = iota
	ResultDuplicate            // message counter already consumed
	ResultLegacy               // unsupported protocol version
	ResultNoSession            // no session established with the sender
	ResultCorrupt              // generic decryption failure
	ResultUntrustedIdentity    // sender identity key changed
)

func (k ResultKind) String() string {
	switch k {
	case ResultPlaintext:
		return "plaintext"
	case ResultDuplicate:
		return "duplicate"
	case ResultLegacy:
		return "legacy"
	case ResultNoSession:
		return "no_session"
	case ResultCorrupt:
		return "corrupt"
	case ResultUntrustedIdentity:
		return "untrusted_identity"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Result is the outcome of Engine.Decrypt.
type Result struct {
	Kind       ResultKind
	Plaintext  []byte // set when Kind is ResultPlaintext
	UsedPreKey bool   // the envelope established a session from one of our one-time pre-keys
	Cause      error  // underlying protocol error, for logging
}

// Engine decrypts envelopes against the local session state.
type Engine interface {
	Decrypt(ctx context.Context, env *models.Envelope) (Result, error)

	// ResetSession drops every session held with address.
	ResetSession(ctx context.Context, address string) error

	// TrustIdentity accepts the sender identity key carried by env, so that a later Decrypt
	// of the same envelope no longer reports ResultUntrustedIdentity.
	TrustIdentity(ctx context.Context, env *models.Envelope) error
}

// KeyService maintains the local pre-key pool.
type KeyService interface {
	// RefreshPreKeys tops up one-time pre-keys when the pool runs low and returns how many
	// were generated.
	RefreshPreKeys(ctx context.Context) (int, error)

	// RotateSignedPreKey generates a new signed pre-key and prunes old ones.
	RotateSignedPreKey(ctx context.Context) error
}

// ErrKeyStore marks failures of the local key repository. They are infrastructure errors,
// never decrypt outcomes.
var ErrKeyStore = errors.New("key store failure")

// ErrNoIdentityKey is returned by TrustIdentity for envelopes that do not carry the sender
// identity key.
var ErrNoIdentityKey = errors.New("envelope carries no identity key")
