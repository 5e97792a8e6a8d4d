package store

import (
	"fmt"
	"time"
)

// Compile-time check that SQLiteStore implements RecipientRepo.
var _ RecipientRepo = (*SQLiteStore)(nil)

func (s *SQLiteStore) SetRecipientStatus(messageID, recipient string, status RecipientStatus) error {
	_, err := s.db.Exec(
		`INSERT INTO message_recipients (message_id, recipient, status, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(message_id, recipient) DO UPDATE SET status = excluded.status, updated_at = excluded.updated_at`,
		messageID, recipient, string(status), time.Now(),
	)
	if err != nil {
		return fmt.Errorf("set recipient status failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListRecipients(messageID string) ([]RecipientRecord, error) {
	rows, err := s.db.Query(
		`SELECT message_id, recipient, status, updated_at FROM message_recipients WHERE message_id = ? ORDER BY recipient`,
		messageID,
	)
	if err != nil {
		return nil, fmt.Errorf("list recipients failed: %w", err)
	}
	defer rows.Close()

	var out []RecipientRecord
	for rows.Next() {
		var r RecipientRecord
		var status string
		if err := rows.Scan(&r.MessageID, &r.Recipient, &status, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan recipient failed: %w", err)
		}
		r.Status = RecipientStatus(status)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list recipients iteration failed: %w", err)
	}
	return out, nil
}
