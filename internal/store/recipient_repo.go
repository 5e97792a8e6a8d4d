// Package store provides the RecipientRepo interface for per-member delivery of group sends.
package store

import "time"

// RecipientStatus is the delivery state of one group member for one outgoing message.
type RecipientStatus string

const (
	RecipientSent   RecipientStatus = "sent"
	RecipientFailed RecipientStatus = "failed"
)

// RecipientRecord is the delivery state of a message to one recipient.
type RecipientRecord struct {
	MessageID string
	Recipient string
	Status    RecipientStatus
	UpdatedAt time.Time
}

// RecipientRepo tracks which members a group message has been delivered to, so a retried
// send skips members already handled.
type RecipientRepo interface {
	// SetRecipientStatus upserts the state of recipient for messageID.
	SetRecipientStatus(messageID, recipient string, status RecipientStatus) error

	// ListRecipients returns every recorded recipient of messageID.
	ListRecipients(messageID string) ([]RecipientRecord, error)
}
