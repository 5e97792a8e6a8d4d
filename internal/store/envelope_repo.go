// Package store provides the EnvelopeRepo interface for received, not yet processed envelopes.
package store

import "github.com/BTreeMap/Courier/internal/models"

// EnvelopeRepo holds envelopes between receipt and successful decrypt processing.
type EnvelopeRepo interface {
	// InsertEnvelope stores env. Returns false if an envelope with the same ID is already stored.
	InsertEnvelope(env models.Envelope) (bool, error)

	// GetEnvelope returns a stored envelope, or nil if absent.
	GetEnvelope(id string) (*models.Envelope, error)

	// DeleteEnvelope removes an envelope. Deleting a missing envelope is not an error.
	DeleteEnvelope(id string) error

	// ListEnvelopeIDs returns the IDs of all stored envelopes in receipt order.
	ListEnvelopeIDs() ([]string, error)
}
