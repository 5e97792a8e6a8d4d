package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Compile-time check that PostgresStore implements DedupRepo.
var _ DedupRepo = (*PostgresStore)(nil)

func (s *PostgresStore) IsDuplicate(envelopeID string) (bool, error) {
	var processed bool
	err := s.db.QueryRow(
		`SELECT processed_at IS NOT NULL FROM processed_envelopes WHERE envelope_id = $1`, envelopeID,
	).Scan(&processed)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dedup lookup failed: %w", err)
	}
	return processed, nil
}

func (s *PostgresStore) RecordInbound(envelopeID, source string) (bool, error) {
	result, err := s.db.Exec(
		`INSERT INTO processed_envelopes (envelope_id, source, received_at) VALUES ($1, $2, $3) ON CONFLICT (envelope_id) DO NOTHING`,
		envelopeID, source, time.Now(),
	)
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

func (s *PostgresStore) MarkProcessed(envelopeID, outcome string) error {
	now := time.Now()
	_, err := s.db.Exec(
		`INSERT INTO processed_envelopes (envelope_id, source, outcome, received_at, processed_at) VALUES ($1, '', $2, $3, $4)
		 ON CONFLICT (envelope_id) DO UPDATE SET outcome = EXCLUDED.outcome, processed_at = EXCLUDED.processed_at`,
		envelopeID, nilIfEmpty(outcome), now, now,
	)
	if err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	slog.Debug("PostgresStore.MarkProcessed", "envelope_id", envelopeID, "outcome", outcome)
	return nil
}

func (s *PostgresStore) GetDedupRecord(envelopeID string) (*DedupRecord, error) {
	var r DedupRecord
	var outcome sql.NullString
	var processedAt sql.NullTime
	err := s.db.QueryRow(
		`SELECT envelope_id, source, outcome, received_at, processed_at FROM processed_envelopes WHERE envelope_id = $1`,
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

func (s *PostgresStore) PruneProcessed(before time.Time) (int, error) {
	result, err := s.db.Exec(
		`DELETE FROM processed_envelopes WHERE processed_at IS NOT NULL AND processed_at < $1`, before,
	)
	if err != nil {
		return 0, fmt.Errorf("prune processed envelopes failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info("PostgresStore.PruneProcessed: pruned ledger rows", "count", n)
	}
	return int(n), nil
}
