// Package store provides the DedupRepo interface for the processed-envelope ledger.
package store

import "time"

// DedupRecord is one row of the processed-envelope ledger.
type DedupRecord struct {
	EnvelopeID  string
	Source      string
	Outcome     string
	ReceivedAt  time.Time
	ProcessedAt *time.Time
}

// DedupRepo is a two-phase ledger. RecordInbound claims an envelope ID when processing
// starts and MarkProcessed finalizes it. Only finalized rows count as duplicates, so an
// envelope whose processing was interrupted is processed again.
type DedupRepo interface {
	// IsDuplicate reports whether envelopeID has been fully processed.
	IsDuplicate(envelopeID string) (bool, error)

	// RecordInbound inserts an unfinalized ledger row. Returns false if a row already exists.
	RecordInbound(envelopeID, source string) (bool, error)

	// MarkProcessed finalizes the ledger row with the classification outcome.
	// A missing row is created already finalized.
	MarkProcessed(envelopeID, outcome string) error

	// GetDedupRecord returns the ledger row, or nil if absent.
	GetDedupRecord(envelopeID string) (*DedupRecord, error)

	// PruneProcessed deletes finalized rows processed before the cutoff and returns the count.
	PruneProcessed(before time.Time) (int, error)
}
