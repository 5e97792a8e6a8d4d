package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Compile-time check that SQLiteStore implements GroupRepo.
var _ GroupRepo = (*SQLiteStore)(nil)

func (s *SQLiteStore) MergeGroup(g GroupRecord) (bool, error) {
	result, err := s.db.Exec(
		`INSERT INTO group_states (id, name, members, revision, active, updated_at) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, members = excluded.members,
		   revision = excluded.revision, active = excluded.active, updated_at = excluded.updated_at
		 WHERE excluded.revision > group_states.revision`,
		g.ID, nilIfEmpty(g.Name), encodeStringList(g.Members), g.Revision, g.Active, time.Now(),
	)
	if err != nil {
		return false, fmt.Errorf("merge group failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		slog.Debug("SQLiteStore.MergeGroup: stale revision ignored", "group_id", g.ID, "revision", g.Revision)
	}
	return n > 0, nil
}

func (s *SQLiteStore) GetGroup(id string) (*GroupRecord, error) {
	var g GroupRecord
	var name sql.NullString
	var members string
	err := s.db.QueryRow(
		`SELECT id, name, members, revision, active, updated_at FROM group_states WHERE id = ?`, id,
	).Scan(&g.ID, &name, &members, &g.Revision, &g.Active, &g.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get group failed: %w", err)
	}
	g.Name = name.String
	if g.Members, err = decodeStringList(members); err != nil {
		return nil, err
	}
	return &g, nil
}
