package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/Courier/internal/jobmanager"
)

// KeysQueue serializes all key maintenance.
const KeysQueue = "__KEYS__"

// Stable ids: adding a refresh while one is already waiting fails with ErrJobExists, which
// callers treat as success.
const (
	RefreshPreKeysJobID     = "refresh_prekeys"
	RotateSignedPreKeyJobID = "rotate_signed_prekey"
)

func keyParameters(id string) jobmanager.Parameters {
	return jobmanager.Parameters{
		ID:          id,
		QueueKey:    KeysQueue,
		MaxAttempts: 5,
		Lifespan:    24 * time.Hour,
		Persistent:  true,
	}
}

// RefreshPreKeysJob tops up the one-time pre-key pool.
type RefreshPreKeysJob struct {
	jobmanager.Base
	env *Env
}

// NewRefreshPreKeysJob creates the pre-key refresh job.
func NewRefreshPreKeysJob(env *Env) *RefreshPreKeysJob {
	return &RefreshPreKeysJob{Base: jobmanager.NewBase(keyParameters(RefreshPreKeysJobID)), env: env}
}

func (j *RefreshPreKeysJob) FactoryKey() string { return KeyRefreshPreKeys }

func (j *RefreshPreKeysJob) Serialize() ([]byte, error) { return []byte("{}"), nil }

func (j *RefreshPreKeysJob) Run(ctx context.Context) error {
	n, err := j.env.Keys.RefreshPreKeys(ctx)
	if err != nil {
		return jobmanager.Transient(fmt.Errorf("refresh prekeys: %w", err))
	}
	slog.Debug("RefreshPreKeysJob.Run: done", "generated", n)
	return nil
}

// RotateSignedPreKeyJob generates a new signed pre-key and prunes old ones.
type RotateSignedPreKeyJob struct {
	jobmanager.Base
	env *Env
}

// NewRotateSignedPreKeyJob creates the signed pre-key rotation job.
func NewRotateSignedPreKeyJob(env *Env) *RotateSignedPreKeyJob {
	return &RotateSignedPreKeyJob{Base: jobmanager.NewBase(keyParameters(RotateSignedPreKeyJobID)), env: env}
}

func (j *RotateSignedPreKeyJob) FactoryKey() string { return KeyRotateSignedPreKey }

func (j *RotateSignedPreKeyJob) Serialize() ([]byte, error) { return []byte("{}"), nil }

func (j *RotateSignedPreKeyJob) Run(ctx context.Context) error {
	if err := j.env.Keys.RotateSignedPreKey(ctx); err != nil {
		return jobmanager.Transient(fmt.Errorf("rotate signed prekey: %w", err))
	}
	return nil
}
