package store

import (
	"database/sql"
	"fmt"
	"log/slog"
)

// Compile-time check that PostgresStore implements KeyRepo.
var _ KeyRepo = (*PostgresStore)(nil)

func (s *PostgresStore) SavePreKeys(keys []KeyRow) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin save prekeys failed: %w", err)
	}
	defer tx.Rollback()
	for _, k := range keys {
		if _, err := tx.Exec(
			`INSERT INTO prekeys (id, record, created_at) VALUES ($1, $2, $3)
			 ON CONFLICT (id) DO UPDATE SET record = EXCLUDED.record, created_at = EXCLUDED.created_at`,
			int64(k.ID), k.Record, k.CreatedAt,
		); err != nil {
			return fmt.Errorf("save prekey %d failed: %w", k.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save prekeys failed: %w", err)
	}
	slog.Debug("PostgresStore.SavePreKeys: saved", "count", len(keys))
	return nil
}

func (s *PostgresStore) LoadPreKey(id uint32) ([]byte, error) {
	return loadKeyRecord(s.db, `SELECT record FROM prekeys WHERE id = $1`, id)
}

func (s *PostgresStore) RemovePreKey(id uint32) error {
	if _, err := s.db.Exec(`DELETE FROM prekeys WHERE id = $1`, int64(id)); err != nil {
		return fmt.Errorf("remove prekey failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) MaxPreKeyID() (uint32, error) {
	var maxID sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(id) FROM prekeys`).Scan(&maxID); err != nil {
		return 0, fmt.Errorf("max prekey id failed: %w", err)
	}
	return uint32(maxID.Int64), nil
}

func (s *PostgresStore) CountPreKeys() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM prekeys`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count prekeys failed: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) SaveSignedPreKey(k KeyRow) error {
	if _, err := s.db.Exec(
		`INSERT INTO signed_prekeys (id, record, created_at) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET record = EXCLUDED.record, created_at = EXCLUDED.created_at`,
		int64(k.ID), k.Record, k.CreatedAt,
	); err != nil {
		return fmt.Errorf("save signed prekey failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) LoadSignedPreKey(id uint32) ([]byte, error) {
	return loadKeyRecord(s.db, `SELECT record FROM signed_prekeys WHERE id = $1`, id)
}

func (s *PostgresStore) ListSignedPreKeys() ([]KeyRow, error) {
	rows, err := s.db.Query(`SELECT id, record, created_at FROM signed_prekeys ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list signed prekeys failed: %w", err)
	}
	return collectKeyRows(rows)
}

func (s *PostgresStore) RemoveSignedPreKey(id uint32) error {
	if _, err := s.db.Exec(`DELETE FROM signed_prekeys WHERE id = $1`, int64(id)); err != nil {
		return fmt.Errorf("remove signed prekey failed: %w", err)
	}
	return nil
}
