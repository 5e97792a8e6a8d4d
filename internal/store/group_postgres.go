package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Compile-time check that PostgresStore implements GroupRepo.
var _ GroupRepo = (*PostgresStore)(nil)

func (s *PostgresStore) MergeGroup(g GroupRecord) (bool, error) {
	result, err := s.db.Exec(
		`INSERT INTO group_states (id, name, members, revision, active, updated_at) VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, members = EXCLUDED.members,
		   revision = EXCLUDED.revision, active = EXCLUDED.active, updated_at = EXCLUDED.updated_at
		 WHERE EXCLUDED.revision > group_states.revision`,
		g.ID, nilIfEmpty(g.Name), encodeStringList(g.Members), g.Revision, g.Active, time.Now(),
	)
	if err != nil {
		return false, fmt.Errorf("merge group failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		slog.Debug("PostgresStore.MergeGroup: stale revision ignored", "group_id", g.ID, "revision", g.Revision)
	}
	return n > 0, nil
}

func (s *PostgresStore) GetGroup(id string) (*GroupRecord, error) {
	var g GroupRecord
	var name sql.NullString
	var members string
	err := s.db.QueryRow(
		`SELECT id, name, members, revision, active, updated_at FROM group_states WHERE id = $1`, id,
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
