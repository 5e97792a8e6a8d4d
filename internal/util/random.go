// Package util provides utility functions for the Courier application.
package util

import (
	"strings"

	"github.com/google/uuid"
)

// Prefixes used for generated identifiers.
const (
	JobIDPrefix        = "job_"
	MessageIDPrefix    = "msg_"
	AttachmentIDPrefix = "att_"
)

// NewID returns prefix followed by a random UUID with the dashes removed.
func NewID(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NewJobID generates a job identifier.
func NewJobID() string { return NewID(JobIDPrefix) }

// NewMessageID generates a message identifier.
func NewMessageID() string { return NewID(MessageIDPrefix) }

// NewAttachmentID generates an attachment identifier.
func NewAttachmentID() string { return NewID(AttachmentIDPrefix) }
