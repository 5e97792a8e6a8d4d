// Package store provides the AttachmentRepo interface for message attachments.
package store

import "time"

// TransferState is the upload or download state of an attachment.
type TransferState string

const (
	TransferPending TransferState = "pending"
	TransferDone    TransferState = "done"
	TransferFailed  TransferState = "failed"
)

// AttachmentRecord describes one attachment of a message. Outgoing attachments start with
// LocalPath set and gain RemoteKey on upload; inbound ones start with RemoteKey and gain
// LocalPath on download.
type AttachmentRecord struct {
	ID          string
	MessageID   string
	ContentType string
	FileName    string
	Size        int64
	RemoteKey   string
	LocalPath   string
	State       TransferState
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// AttachmentRepo persists attachment metadata and transfer progress.
type AttachmentRepo interface {
	// InsertAttachment inserts a, assigning a.ID when empty.
	InsertAttachment(a *AttachmentRecord) error
	GetAttachment(id string) (*AttachmentRecord, error)
	ListAttachments(messageID string) ([]AttachmentRecord, error)
	CompleteUpload(id, remoteKey string) error
	CompleteDownload(id, localPath string) error
	SetAttachmentState(id string, state TransferState) error
	// ListPendingDownloads returns inbound attachments with a remote key and no local copy.
	ListPendingDownloads() ([]AttachmentRecord, error)
}
