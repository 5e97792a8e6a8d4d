package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Compile-time check that SQLiteStore implements JobRepo.
var _ JobRepo = (*SQLiteStore)(nil)

func (s *SQLiteStore) InsertJobs(records []JobRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("insert jobs begin failed: %w", err)
	}
	defer tx.Rollback()

	for _, r := range records {
		_, err := tx.Exec(
			`INSERT INTO jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.FactoryKey, nilIfEmpty(r.QueueKey), r.Data, encodeStringList(r.Constraints), r.CreateTime,
			lifespanValue(r.Lifespan), maxAttemptsValue(r.MaxAttempts), r.CurrentAttempt,
			encodeStringList(r.DependsOn), r.Persistent, nilIfZeroTime(r.RunAfter), r.Seq,
		)
		if err != nil {
			return fmt.Errorf("insert job %s failed: %w", r.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("insert jobs commit failed: %w", err)
	}
	slog.Debug("SQLiteStore.InsertJobs", "count", len(records))
	return nil
}

func (s *SQLiteStore) GetAllJobs() ([]JobRecord, error) {
	rows, err := s.db.Query(`SELECT ` + jobColumns + ` FROM jobs ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("get all jobs query failed: %w", err)
	}
	defer rows.Close()

	var records []JobRecord
	for rows.Next() {
		r, err := scanJobRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job failed: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get all jobs iteration failed: %w", err)
	}
	return records, nil
}

func (s *SQLiteStore) GetJob(id string) (*JobRecord, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	r, err := scanJobRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job failed: %w", err)
	}
	return &r, nil
}

func (s *SQLiteStore) UpdateJobAttempt(id string, attempt int, runAfter time.Time) error {
	_, err := s.db.Exec(
		`UPDATE jobs SET current_attempt = ?, run_after = ? WHERE id = ?`,
		attempt, nilIfZeroTime(runAfter), id,
	)
	if err != nil {
		return fmt.Errorf("update job attempt failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteJobs(ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	if _, err := s.db.Exec(`DELETE FROM jobs WHERE id IN (`+placeholders+`)`, args...); err != nil {
		return fmt.Errorf("delete jobs failed: %w", err)
	}
	return nil
}
