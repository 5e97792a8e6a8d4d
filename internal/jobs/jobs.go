// Package jobs contains Courier's concrete job types and their factories.
//
// Every job keeps only identifiers in its serialized data and reloads the rows it works on
// at run time, so a job that is retried or reloaded after a restart sees current state and
// can skip work that already happened.
package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/BTreeMap/Courier/internal/attachment"
	"github.com/BTreeMap/Courier/internal/crypto"
	"github.com/BTreeMap/Courier/internal/jobmanager"
	"github.com/BTreeMap/Courier/internal/store"
	"github.com/BTreeMap/Courier/internal/telemetry"
	"github.com/BTreeMap/Courier/internal/transport"
)

// Factory keys. They are persisted with every job record and must never change.
const (
	KeyPushTextSend       = "PushTextSendJob"
	KeyPushMediaSend      = "PushMediaSendJob"
	KeyPushGroupSend      = "PushGroupSendJob"
	KeyAttachmentUpload   = "AttachmentUploadJob"
	KeyAttachmentDownload = "AttachmentDownloadJob"
	KeyRefreshPreKeys     = "RefreshPreKeysJob"
	KeyRotateSignedPreKey = "RotateSignedPreKeyJob"
)

// AutoDownloadConstraint gates automatic attachment downloads on user preference.
const AutoDownloadConstraint = "auto-download"

// Env carries the collaborators jobs need. It is built once at startup and shared by every
// factory.
type Env struct {
	Messages    store.MessageRepo
	Attachments store.AttachmentRepo
	// Groups and Recipients are only needed for group sends.
	Groups      store.GroupRepo
	Recipients  store.RecipientRepo
	Transport   transport.Transport
	Blobs       attachment.Blobstore
	Keys        crypto.KeyService
	Metrics     *telemetry.Metrics
	// DownloadDir receives downloaded attachment files.
	DownloadDir string
	// Now defaults to time.Now.
	Now func() time.Time
}

func (e *Env) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Register adds the factory of every job type in this package.
func Register(reg *jobmanager.Registry, env *Env) error {
	factories := map[string]jobmanager.Factory{
		KeyPushTextSend: func(p jobmanager.Parameters, data []byte) (jobmanager.Job, error) {
			var payload sendPayload
			if err := decode(data, &payload); err != nil {
				return nil, err
			}
			return &PushTextSendJob{Base: jobmanager.NewBase(p), env: env, payload: payload}, nil
		},
		KeyPushMediaSend: func(p jobmanager.Parameters, data []byte) (jobmanager.Job, error) {
			var payload sendPayload
			if err := decode(data, &payload); err != nil {
				return nil, err
			}
			return &PushMediaSendJob{Base: jobmanager.NewBase(p), env: env, payload: payload}, nil
		},
		KeyPushGroupSend: func(p jobmanager.Parameters, data []byte) (jobmanager.Job, error) {
			var payload groupSendPayload
			if err := decode(data, &payload); err != nil {
				return nil, err
			}
			return &PushGroupSendJob{Base: jobmanager.NewBase(p), env: env, payload: payload}, nil
		},
		KeyAttachmentUpload: func(p jobmanager.Parameters, data []byte) (jobmanager.Job, error) {
			var payload attachmentPayload
			if err := decode(data, &payload); err != nil {
				return nil, err
			}
			return &AttachmentUploadJob{Base: jobmanager.NewBase(p), env: env, payload: payload}, nil
		},
		KeyAttachmentDownload: func(p jobmanager.Parameters, data []byte) (jobmanager.Job, error) {
			var payload attachmentPayload
			if err := decode(data, &payload); err != nil {
				return nil, err
			}
			return &AttachmentDownloadJob{Base: jobmanager.NewBase(p), env: env, payload: payload}, nil
		},
		KeyRefreshPreKeys: func(p jobmanager.Parameters, _ []byte) (jobmanager.Job, error) {
			return &RefreshPreKeysJob{Base: jobmanager.NewBase(p), env: env}, nil
		},
		KeyRotateSignedPreKey: func(p jobmanager.Parameters, _ []byte) (jobmanager.Job, error) {
			return &RotateSignedPreKeyJob{Base: jobmanager.NewBase(p), env: env}, nil
		},
	}
	for key, f := range factories {
		if err := reg.Register(key, f); err != nil {
			return err
		}
	}
	return nil
}

func encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job data: %w", err)
	}
	return data, nil
}

func decode(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("invalid job data: %w", err)
	}
	return nil
}
