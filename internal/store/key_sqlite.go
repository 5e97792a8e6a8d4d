package store

import (
	"database/sql"
	"fmt"
	"log/slog"
)

// Compile-time check that SQLiteStore implements KeyRepo.
var _ KeyRepo = (*SQLiteStore)(nil)

func (s *SQLiteStore) SavePreKeys(keys []KeyRow) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin save prekeys failed: %w", err)
	}
	defer tx.Rollback()
	for _, k := range keys {
		if _, err := tx.Exec(
			`INSERT INTO prekeys (id, record, created_at) VALUES (?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET record = excluded.record, created_at = excluded.created_at`,
			int64(k.ID), k.Record, k.CreatedAt,
		); err != nil {
			return fmt.Errorf("save prekey %d failed: %w", k.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save prekeys failed: %w", err)
	}
	slog.Debug("SQLiteStore.SavePreKeys: saved", "count", len(keys))
	return nil
}

func (s *SQLiteStore) LoadPreKey(id uint32) ([]byte, error) {
	return loadKeyRecord(s.db, `SELECT record FROM prekeys WHERE id = ?`, id)
}

func (s *SQLiteStore) RemovePreKey(id uint32) error {
	if _, err := s.db.Exec(`DELETE FROM prekeys WHERE id = ?`, int64(id)); err != nil {
		return fmt.Errorf("remove prekey failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) MaxPreKeyID() (uint32, error) {
	var maxID sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(id) FROM prekeys`).Scan(&maxID); err != nil {
		return 0, fmt.Errorf("max prekey id failed: %w", err)
	}
	return uint32(maxID.Int64), nil
}

func (s *SQLiteStore) CountPreKeys() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM prekeys`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count prekeys failed: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) SaveSignedPreKey(k KeyRow) error {
	if _, err := s.db.Exec(
		`INSERT INTO signed_prekeys (id, record, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET record = excluded.record, created_at = excluded.created_at`,
		int64(k.ID), k.Record, k.CreatedAt,
	); err != nil {
		return fmt.Errorf("save signed prekey failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LoadSignedPreKey(id uint32) ([]byte, error) {
	return loadKeyRecord(s.db, `SELECT record FROM signed_prekeys WHERE id = ?`, id)
}

func (s *SQLiteStore) ListSignedPreKeys() ([]KeyRow, error) {
	rows, err := s.db.Query(`SELECT id, record, created_at FROM signed_prekeys ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list signed prekeys failed: %w", err)
	}
	return collectKeyRows(rows)
}

func (s *SQLiteStore) RemoveSignedPreKey(id uint32) error {
	if _, err := s.db.Exec(`DELETE FROM signed_prekeys WHERE id = ?`, int64(id)); err != nil {
		return fmt.Errorf("remove signed prekey failed: %w", err)
	}
	return nil
}

func loadKeyRecord(db *sql.DB, query string, id uint32) ([]byte, error) {
	var record []byte
	err := db.QueryRow(query, int64(id)).Scan(&record)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load key %d failed: %w", id, err)
	}
	return record, nil
}

func collectKeyRows(rows *sql.Rows) ([]KeyRow, error) {
	defer rows.Close()
	var out []KeyRow
	for rows.Next() {
		var k KeyRow
		var id int64
		if err := rows.Scan(&id, &k.Record, &k.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan key row failed: %w", err)
		}
		k.ID = uint32(id)
		out = append(out, k)
	}
	return out, rows.Err()
}
