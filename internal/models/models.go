// Package models defines the core data structures for Courier.
//
// It includes inbound envelopes, decrypted content, outbound send requests and the
// JSON response envelope shared by the HTTP API.
package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// EnvelopeType identifies how an envelope's content is encoded on the wire.
type EnvelopeType int

const (
	EnvelopeTypeUnknown      EnvelopeType = 0
	EnvelopeTypeCiphertext   EnvelopeType = 1
	EnvelopeTypeKeyExchange  EnvelopeType = 2 // retired protocol version
	EnvelopeTypePreKeyBundle EnvelopeType = 3
	EnvelopeTypeReceipt      EnvelopeType = 5
	EnvelopeTypePlaintext    EnvelopeType = 8
)

func (t EnvelopeType) String() string {
	switch t {
	case EnvelopeTypeCiphertext:
		return "ciphertext"
	case EnvelopeTypeKeyExchange:
		return "key_exchange"
	case EnvelopeTypePreKeyBundle:
		return "prekey_bundle"
	case EnvelopeTypeReceipt:
		return "receipt"
	case EnvelopeTypePlaintext:
		return "plaintext"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// Validation constants for input validation
const (
	// MaxBodyLength defines the maximum allowed length for an outgoing message body
	MaxBodyLength = 4096
	// MaxAttachments defines the maximum number of attachments on one outgoing message
	MaxAttachments = 10
)

// Error variables for better error handling and testability
var (
	ErrEmptyEnvelopeID    = errors.New("envelope id cannot be empty")
	ErrEmptySource        = errors.New("envelope source cannot be empty")
	ErrEmptyRecipient     = errors.New("recipient cannot be empty")
	ErrEmptyMessage       = errors.New("message needs a body or at least one attachment")
	ErrBodyTooLong        = errors.New("message body exceeds maximum length")
	ErrTooManyAttachments = errors.New("too many attachments")
	ErrEmptyAttachment    = errors.New("attachment path cannot be empty")
	ErrRecipientAndGroup  = errors.New("set either a recipient or a group, not both")
	ErrUnknownGroup       = errors.New("group is unknown or no longer active")
)

// Envelope is an encrypted transport unit received from the network, prior to decryption.
type Envelope struct {
	ID              string       `json:"id"` // server-assigned, stable across redelivery
	Type            EnvelopeType `json:"type"`
	Source          string       `json:"source"`
	SourceDevice    uint32       `json:"source_device"`
	Timestamp       int64        `json:"timestamp"` // sender clock, unix millis
	ServerTimestamp int64        `json:"server_timestamp,omitempty"`
	Content         []byte       `json:"content,omitempty"`
}

// Validate checks the fields every envelope must carry.
func (e *Envelope) Validate() error {
	if e.ID == "" {
		return ErrEmptyEnvelopeID
	}
	if e.Source == "" {
		return ErrEmptySource
	}
	return nil
}

// AttachmentPointer references an attachment stored in the blobstore.
type AttachmentPointer struct {
	RemoteKey   string `json:"remote_key"`
	ContentType string `json:"content_type,omitempty"`
	Size        int64  `json:"size,omitempty"`
	FileName    string `json:"file_name,omitempty"`
}

// GroupContextType distinguishes group control messages from group deliveries.
type GroupContextType string

const (
	GroupContextUpdate  GroupContextType = "update"
	GroupContextDeliver GroupContextType = "deliver"
	GroupContextQuit    GroupContextType = "quit"
)

// GroupContext is attached to content sent within a group.
type GroupContext struct {
	ID       string           `json:"id"`
	Type     GroupContextType `json:"type"`
	Name     string           `json:"name,omitempty"`
	Members  []string         `json:"members,omitempty"`
	Revision int              `json:"revision"`
}

// Content is the decrypted payload of an envelope.
type Content struct {
	Body        string              `json:"body,omitempty"`
	Attachments []AttachmentPointer `json:"attachments,omitempty"`
	Group       *GroupContext       `json:"group,omitempty"`
	EndSession  bool                `json:"end_session,omitempty"`
}

// DecodeContent parses decrypted plaintext into Content.
func DecodeContent(plaintext []byte) (*Content, error) {
	var c Content
	if err := json.Unmarshal(plaintext, &c); err != nil {
		return nil, fmt.Errorf("failed to decode content: %w", err)
	}
	return &c, nil
}

// IsEmpty reports whether the content carries nothing actionable.
func (c *Content) IsEmpty() bool {
	return c.Body == "" && len(c.Attachments) == 0 && c.Group == nil && !c.EndSession
}

// IsGroupControl reports whether the content updates group state rather than a conversation.
func (c *Content) IsGroupControl() bool {
	return c.Group != nil && c.Group.Type != GroupContextDeliver
}

// OutgoingAttachment is a local file to upload before a message is sent.
type OutgoingAttachment struct {
	Path        string `json:"path"`
	ContentType string `json:"content_type,omitempty"`
}

// SendRequest asks Courier to send a message, either to one recipient or to every member of
// a known group.
type SendRequest struct {
	To          string               `json:"to,omitempty"`
	GroupID     string               `json:"group_id,omitempty"`
	ThreadID    string               `json:"thread_id,omitempty"` // defaults to To, or GroupID
	Body        string               `json:"body,omitempty"`
	Attachments []OutgoingAttachment `json:"attachments,omitempty"`
}

// Validate checks the request and fills in defaults.
func (r *SendRequest) Validate() error {
	if r.To != "" && r.GroupID != "" {
		return ErrRecipientAndGroup
	}
	if r.To == "" && r.GroupID == "" {
		return ErrEmptyRecipient
	}
	if r.Body == "" && len(r.Attachments) == 0 {
		return ErrEmptyMessage
	}
	if len(r.Body) > MaxBodyLength {
		return ErrBodyTooLong
	}
	if len(r.Attachments) > MaxAttachments {
		return ErrTooManyAttachments
	}
	for _, a := range r.Attachments {
		if a.Path == "" {
			return ErrEmptyAttachment
		}
	}
	if r.GroupID != "" {
		r.ThreadID = r.GroupID
	} else if r.ThreadID == "" {
		r.ThreadID = r.To
	}
	return nil
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
	// APIStatusQueued indicates work was accepted and handed to the job manager.
	APIStatusQueued APIStatus = "queued"
)

// API Response types for consistent JSON responses

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithResult sets the result data of the API response.
func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithResult(result).
		Build()
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithMessage(message).
		WithResult(result).
		Build()
}

// Queued creates a response for work handed to the job manager.
func Queued(result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusQueued).
		WithResult(result).
		Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusError).
		WithMessage(message).
		Build()
}
