package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Compile-time check that SQLiteStore implements DedupRepo.
var _ DedupRepo = (*SQLiteStore)(nil)

func (s *SQLiteStore) IsDuplicate(envelopeID string) (bool, error) {
	var processed bool
	err := s.db.QueryRow(
		`SELECT processed_at IS NOT NULL FROM processed_envelopes WHERE envelope_id = ?`, envelopeID,
	).Scan(&processed)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dedup lookup failed: %w", err)
	}
	return processed, nil
}

func (s *SQLiteStore) RecordInbound(envelopeID, source string) (bool, error) {
	result, err := s.db.Exec(
		`INSERT OR IGNORE INTO processed_envelopes (envelope_id, source, received_at) VALUES (?, ?, ?)`,
		envelopeID, source, time.Now(),
	)
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteStore) MarkProcessed(envelopeID, outcome string) error {
	now := time.Now()
	_, err := s.db.Exec(
		`INSERT INTO processed_envelopes (envelope_id, source, outcome, received_at, processed_at) VALUES (?, '', ?, ?, ?)
		 ON CONFLICT(envelope_id) DO UPDATE SET outcome = excluded.outcome, processed_at = excluded.processed_at`,
		envelopeID, nilIfEmpty(outcome), now, now,
	)
	if err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	slog.Debug("SQLiteStore.MarkProcessed", "envelope_id", envelopeID, "outcome", outcome)
	return nil
}

func (s *SQLiteStore) GetDedupRecord(envelopeID string) (*DedupRecord, error) {
	var r DedupRecord
	var outcome sql.NullString
	var processedAt sql.NullTime
	err := s.db.QueryRow(
		`SELECT envelope_id, source, outcome, received_at, processed_at FROM processed_envelopes WHERE envelope_id = ?`,
		envelopeID,
	).Scan(&r.EnvelopeID, &r.Source, &outcome, &r.ReceivedAt, &processedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get dedup record failed: %w", err)
	}
	r.Outcome = outcome.String
	if processedAt.Valid {
		r.ProcessedAt = &processedAt.Time
	}
	return &r, nil
}

func (s *SQLiteStore) PruneProcessed(before time.Time) (int, error) {
	result, err := s.db.Exec(
		`DELETE FROM processed_envelopes WHERE processed_at IS NOT NULL AND processed_at < ?`, before,
	)
	if err != nil {
		return 0, fmt.Errorf("prune processed envelopes failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info("SQLiteStore.PruneProcessed: pruned ledger rows", "count", n)
	}
	return int(n), nil
}
