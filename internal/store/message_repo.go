// Package store provides the MessageRepo interface for conversation history.
package store

import "time"

// MessageDirection tells whether a message was received or sent.
type MessageDirection string

const (
	DirectionInbound  MessageDirection = "inbound"
	DirectionOutbound MessageDirection = "outbound"
)

// MessageType is the stored kind of a message row. Rows for envelopes that could not be
// decrypted carry a placeholder type and keep the ciphertext for later reprocessing.
type MessageType string

const (
	MessageTypeText              MessageType = "text"
	MessageTypeMedia             MessageType = "media"
	MessageTypeLegacy            MessageType = "legacy"
	MessageTypeNoSession         MessageType = "no_session"
	MessageTypeDecryptFailed     MessageType = "decrypt_failed"
	MessageTypeUntrustedIdentity MessageType = "untrusted_identity"
	MessageTypeEndSession        MessageType = "end_session"
)

// MessageStatus tracks delivery for outgoing messages; inbound rows are always received.
type MessageStatus string

const (
	MessageStatusPending  MessageStatus = "pending"
	MessageStatusSending  MessageStatus = "sending"
	MessageStatusSent     MessageStatus = "sent"
	MessageStatusFailed   MessageStatus = "failed"
	MessageStatusReceived MessageStatus = "received"
)

// MessageRecord is one row of conversation history.
type MessageRecord struct {
	ID             string
	EnvelopeID     string // empty for outgoing messages
	ThreadID       string
	Peer           string
	Direction      MessageDirection
	Type           MessageType
	Body           string
	Ciphertext     []byte
	EnvelopeType   int
	Status         MessageStatus
	DuplicateCount int
	SentAt         *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// MessageRepo persists conversation history. Inbound rows are unique by envelope ID.
type MessageRepo interface {
	// InsertInbound inserts an inbound row, assigning m.ID when empty. If a row with the
	// same envelope ID exists, m.ID is set to the existing row's ID and false is returned.
	InsertInbound(m *MessageRecord) (bool, error)

	// InsertInboundWithAttachments is InsertInbound plus the message's attachments, written
	// atomically. Each attachment gets m.ID as its MessageID and an assigned ID.
	InsertInboundWithAttachments(m *MessageRecord, attachments []AttachmentRecord) (bool, error)

	// InsertOutgoing inserts a pending outbound row, assigning m.ID when empty.
	InsertOutgoing(m *MessageRecord) error

	GetMessage(id string) (*MessageRecord, error)
	GetMessageByEnvelopeID(envelopeID string) (*MessageRecord, error)

	// LatestInboundFrom returns the newest inbound message from peer, or nil.
	LatestInboundFrom(peer string) (*MessageRecord, error)

	// ListMessagesByType returns rows of the given type, oldest first.
	ListMessagesByType(typ MessageType) ([]MessageRecord, error)

	// MarkDuplicate increments the duplicate counter of the row for envelopeID.
	// Returns false if no such row exists.
	MarkDuplicate(envelopeID string) (bool, error)

	// UpdateMessageContent replaces the type and body of a row and clears its ciphertext.
	UpdateMessageContent(id string, typ MessageType, body string) error

	// MarkSending and MarkFailed never move a sent message backwards.
	MarkSending(id string) error
	MarkFailed(id string) error
	MarkSent(id string, at time.Time) error

	// ListThreadMessages returns up to limit messages of a thread, oldest first.
	// A limit of zero or less returns all of them.
	ListThreadMessages(threadID string, limit int) ([]MessageRecord, error)
}
