package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/Courier/internal/models"
)

// Compile-time check that PostgresStore implements EnvelopeRepo.
var _ EnvelopeRepo = (*PostgresStore)(nil)

func (s *PostgresStore) InsertEnvelope(env models.Envelope) (bool, error) {
	result, err := s.db.Exec(
		`INSERT INTO envelopes (`+envelopeColumns+`, received_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO NOTHING`,
		env.ID, int(env.Type), env.Source, int64(env.SourceDevice), env.Timestamp, env.ServerTimestamp, env.Content, time.Now(),
	)
	if err != nil {
		return false, fmt.Errorf("insert envelope failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		slog.Debug("PostgresStore.InsertEnvelope: envelope already stored", "id", env.ID)
		return false, nil
	}
	return true, nil
}

func (s *PostgresStore) GetEnvelope(id string) (*models.Envelope, error) {
	var env models.Envelope
	var typ int
	var device int64
	err := s.db.QueryRow(`SELECT `+envelopeColumns+` FROM envelopes WHERE id = $1`, id).Scan(
		&env.ID, &typ, &env.Source, &device, &env.Timestamp, &env.ServerTimestamp, &env.Content,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get envelope failed: %w", err)
	}
	env.Type = models.EnvelopeType(typ)
	env.SourceDevice = uint32(device)
	return &env, nil
}

func (s *PostgresStore) DeleteEnvelope(id string) error {
	if _, err := s.db.Exec(`DELETE FROM envelopes WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete envelope failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListEnvelopeIDs() ([]string, error) {
	rows, err := s.db.Query(`SELECT id FROM envelopes ORDER BY received_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list envelopes failed: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan envelope id failed: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
