package jobs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/BTreeMap/Courier/internal/attachment"
	"github.com/BTreeMap/Courier/internal/jobmanager"
	"github.com/BTreeMap/Courier/internal/network"
	"github.com/BTreeMap/Courier/internal/store"
)

// TransferLifespan bounds how long an attachment transfer keeps retrying.
const TransferLifespan = 24 * time.Hour

type attachmentPayload struct {
	AttachmentID string `json:"attachment_id"`
	Manual       bool   `json:"manual,omitempty"`
}

// AttachmentUploadJob copies a local attachment file to the blobstore.
type AttachmentUploadJob struct {
	jobmanager.Base
	env     *Env
	payload attachmentPayload
}

// Compile-time checks for the capabilities AttachmentUploadJob implements.
var (
	_ jobmanager.Serializer = (*AttachmentUploadJob)(nil)
	_ jobmanager.Cancelable = (*AttachmentUploadJob)(nil)
)

// NewAttachmentUploadJob uploads the stored attachment attachmentID.
func NewAttachmentUploadJob(env *Env, attachmentID string) *AttachmentUploadJob {
	return &AttachmentUploadJob{
		Base: jobmanager.NewBase(jobmanager.Parameters{
			Constraints: []string{network.ConstraintName},
			MaxAttempts: jobmanager.Unlimited,
			Lifespan:    TransferLifespan,
			Persistent:  true,
		}),
		env:     env,
		payload: attachmentPayload{AttachmentID: attachmentID},
	}
}

func (j *AttachmentUploadJob) FactoryKey() string { return KeyAttachmentUpload }

func (j *AttachmentUploadJob) Serialize() ([]byte, error) { return encode(j.payload) }

func (j *AttachmentUploadJob) Run(ctx context.Context) error {
	id := j.payload.AttachmentID
	a, err := j.env.Attachments.GetAttachment(id)
	if err != nil {
		return jobmanager.Transient(fmt.Errorf("load attachment %s: %w", id, err))
	}
	if a == nil {
		return jobmanager.Permanent(fmt.Errorf("attachment %s not found", id))
	}
	if a.State == store.TransferDone && a.RemoteKey != "" {
		slog.Debug("AttachmentUploadJob.Run: already uploaded", "attachment_id", id)
		return nil
	}

	key := attachment.RemoteKey(id)
	size, err := attachment.Upload(ctx, j.env.Blobs, key, a.LocalPath, a.ContentType)
	if errors.Is(err, fs.ErrNotExist) {
		return jobmanager.Permanent(fmt.Errorf("attachment %s: %w", id, err))
	}
	if err != nil {
		return jobmanager.Transient(fmt.Errorf("upload attachment %s: %w", id, err))
	}
	if err := j.env.Attachments.CompleteUpload(id, key); err != nil {
		return jobmanager.Transient(fmt.Errorf("complete upload: %w", err))
	}
	slog.Debug("AttachmentUploadJob.Run: uploaded", "attachment_id", id, "key", key, "size", size)
	return nil
}

func (j *AttachmentUploadJob) OnCanceled(ctx context.Context) {
	markTransferFailed(j.env, j.payload.AttachmentID)
}

// AttachmentDownloadJob fetches an inbound attachment from the blobstore into DownloadDir.
type AttachmentDownloadJob struct {
	jobmanager.Base
	env     *Env
	payload attachmentPayload
}

// Compile-time checks for the capabilities AttachmentDownloadJob implements.
var (
	_ jobmanager.Serializer = (*AttachmentDownloadJob)(nil)
	_ jobmanager.Cancelable = (*AttachmentDownloadJob)(nil)
)

// DownloadQueue serializes downloads of one attachment, so an automatic and a manual
// download never run at the same time.
func DownloadQueue(attachmentID string) string {
	return "attachment-download-" + attachmentID
}

// NewAttachmentDownloadJob downloads attachmentID once the network is up and automatic
// downloads are enabled. A manual download skips the auto-download constraint.
func NewAttachmentDownloadJob(env *Env, attachmentID string, manual bool) *AttachmentDownloadJob {
	constraints := []string{network.ConstraintName}
	if !manual {
		constraints = append(constraints, AutoDownloadConstraint)
	}
	return &AttachmentDownloadJob{
		Base: jobmanager.NewBase(jobmanager.Parameters{
			QueueKey:    DownloadQueue(attachmentID),
			Constraints: constraints,
			MaxAttempts: jobmanager.Unlimited,
			Lifespan:    TransferLifespan,
			Persistent:  true,
		}),
		env:     env,
		payload: attachmentPayload{AttachmentID: attachmentID, Manual: manual},
	}
}

func (j *AttachmentDownloadJob) FactoryKey() string { return KeyAttachmentDownload }

func (j *AttachmentDownloadJob) Serialize() ([]byte, error) { return encode(j.payload) }

// Manual reports whether the download was requested by the user.
func (j *AttachmentDownloadJob) Manual() bool { return j.payload.Manual }

func (j *AttachmentDownloadJob) Run(ctx context.Context) error {
	id := j.payload.AttachmentID
	a, err := j.env.Attachments.GetAttachment(id)
	if err != nil {
		return jobmanager.Transient(fmt.Errorf("load attachment %s: %w", id, err))
	}
	if a == nil {
		return jobmanager.Permanent(fmt.Errorf("attachment %s not found", id))
	}
	if a.LocalPath != "" {
		slog.Debug("AttachmentDownloadJob.Run: already downloaded", "attachment_id", id)
		return nil
	}
	if a.RemoteKey == "" {
		return jobmanager.Permanent(fmt.Errorf("attachment %s has no remote key", id))
	}

	path, err := attachment.Fetch(ctx, j.env.Blobs, a.RemoteKey, j.env.DownloadDir, id)
	if errors.Is(err, attachment.ErrNotFound) {
		return jobmanager.Permanent(err)
	}
	if err != nil {
		return jobmanager.Transient(fmt.Errorf("download attachment %s: %w", id, err))
	}
	if err := j.env.Attachments.CompleteDownload(id, path); err != nil {
		return jobmanager.Transient(fmt.Errorf("complete download: %w", err))
	}
	slog.Debug("AttachmentDownloadJob.Run: downloaded", "attachment_id", id, "path", path, "manual", j.payload.Manual)
	return nil
}

func (j *AttachmentDownloadJob) OnCanceled(ctx context.Context) {
	markTransferFailed(j.env, j.payload.AttachmentID)
}

func markTransferFailed(env *Env, attachmentID string) {
	if err := env.Attachments.SetAttachmentState(attachmentID, store.TransferFailed); err != nil {
		slog.Error("markTransferFailed: failed to update attachment", "attachment_id", attachmentID, "error", err)
	}
}
