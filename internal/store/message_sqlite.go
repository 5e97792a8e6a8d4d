package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/Courier/internal/util"
)

// Compile-time check that SQLiteStore implements MessageRepo.
var _ MessageRepo = (*SQLiteStore)(nil)

func (s *SQLiteStore) InsertInbound(m *MessageRecord) (bool, error) {
	return s.insertInbound(s.db, m)
}

// InsertInboundWithAttachments inserts m and its attachments in one transaction. Nothing is
// written when a row for the envelope already exists.
func (s *SQLiteStore) InsertInboundWithAttachments(m *MessageRecord, attachments []AttachmentRecord) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("insert inbound begin failed: %w", err)
	}
	defer tx.Rollback()

	inserted, err := s.insertInbound(tx, m)
	if err != nil || !inserted {
		return false, err
	}
	for i := range attachments {
		attachments[i].MessageID = m.ID
		if err := s.insertAttachment(tx, &attachments[i]); err != nil {
			return false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("insert inbound commit failed: %w", err)
	}
	return true, nil
}

func (s *SQLiteStore) insertInbound(q sqlExecutor, m *MessageRecord) (bool, error) {
	if m.ID == "" {
		m.ID = util.NewMessageID()
	}
	now := time.Now()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	m.Direction = DirectionInbound
	if m.Status == "" {
		m.Status = MessageStatusReceived
	}
	result, err := q.Exec(
		`INSERT OR IGNORE INTO messages (`+messageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, nilIfEmpty(m.EnvelopeID), m.ThreadID, m.Peer, string(m.Direction), string(m.Type), nilIfEmpty(m.Body),
		m.Ciphertext, m.EnvelopeType, string(m.Status), m.DuplicateCount, m.SentAt, m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert inbound message failed: %w", err)
	}
	if n, _ := result.RowsAffected(); n > 0 {
		return true, nil
	}
	var existing string
	if err := q.QueryRow(`SELECT id FROM messages WHERE envelope_id = ?`, m.EnvelopeID).Scan(&existing); err != nil {
		return false, fmt.Errorf("lookup existing message failed: %w", err)
	}
	slog.Debug("SQLiteStore.InsertInbound: envelope already has a message", "envelope_id", m.EnvelopeID, "message_id", existing)
	m.ID = existing
	return false, nil
}

func (s *SQLiteStore) InsertOutgoing(m *MessageRecord) error {
	if m.ID == "" {
		m.ID = util.NewMessageID()
	}
	now := time.Now()
	m.CreatedAt, m.UpdatedAt = now, now
	m.Direction = DirectionOutbound
	if m.Status == "" {
		m.Status = MessageStatusPending
	}
	_, err := s.db.Exec(
		`INSERT INTO messages (`+messageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, nil, m.ThreadID, m.Peer, string(m.Direction), string(m.Type), nilIfEmpty(m.Body),
		m.Ciphertext, m.EnvelopeType, string(m.Status), 0, m.SentAt, m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert outgoing message failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) getMessageWhere(where string, arg interface{}) (*MessageRecord, error) {
	row := s.db.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE `+where, arg)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get message failed: %w", err)
	}
	return &m, nil
}

func (s *SQLiteStore) GetMessage(id string) (*MessageRecord, error) {
	return s.getMessageWhere(`id = ?`, id)
}

func (s *SQLiteStore) GetMessageByEnvelopeID(envelopeID string) (*MessageRecord, error) {
	return s.getMessageWhere(`envelope_id = ?`, envelopeID)
}

func (s *SQLiteStore) LatestInboundFrom(peer string) (*MessageRecord, error) {
	return s.getMessageWhere(`peer = ? AND direction = 'inbound' ORDER BY created_at DESC LIMIT 1`, peer)
}

func (s *SQLiteStore) ListMessagesByType(typ MessageType) ([]MessageRecord, error) {
	rows, err := s.db.Query(`SELECT `+messageColumns+` FROM messages WHERE type = ? ORDER BY created_at ASC`, string(typ))
	if err != nil {
		return nil, fmt.Errorf("list messages by type failed: %w", err)
	}
	return collectMessages(rows)
}

func (s *SQLiteStore) MarkDuplicate(envelopeID string) (bool, error) {
	result, err := s.db.Exec(
		`UPDATE messages SET duplicate_count = duplicate_count + 1, updated_at = ? WHERE envelope_id = ?`,
		time.Now(), envelopeID,
	)
	if err != nil {
		return false, fmt.Errorf("mark duplicate failed: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteStore) UpdateMessageContent(id string, typ MessageType, body string) error {
	_, err := s.db.Exec(
		`UPDATE messages SET type = ?, body = ?, ciphertext = NULL, updated_at = ? WHERE id = ?`,
		string(typ), nilIfEmpty(body), time.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("update message content failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) MarkSending(id string) error {
	return s.setUnsentStatus(id, MessageStatusSending)
}

func (s *SQLiteStore) MarkFailed(id string) error {
	return s.setUnsentStatus(id, MessageStatusFailed)
}

func (s *SQLiteStore) setUnsentStatus(id string, status MessageStatus) error {
	_, err := s.db.Exec(
		`UPDATE messages SET status = ?, updated_at = ? WHERE id = ? AND status != 'sent'`,
		string(status), time.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("update message status failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) MarkSent(id string, at time.Time) error {
	_, err := s.db.Exec(
		`UPDATE messages SET status = 'sent', sent_at = ?, updated_at = ? WHERE id = ?`,
		at, time.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("mark sent failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListThreadMessages(threadID string, limit int) ([]MessageRecord, error) {
	var rows *sql.Rows
	var err error
	if limit > 0 {
		rows, err = s.db.Query(
			`SELECT `+messageColumns+` FROM (
				SELECT `+messageColumns+` FROM messages WHERE thread_id = ? ORDER BY created_at DESC LIMIT ?
			) ORDER BY created_at ASC`,
			threadID, limit,
		)
	} else {
		rows, err = s.db.Query(`SELECT `+messageColumns+` FROM messages WHERE thread_id = ? ORDER BY created_at ASC`, threadID)
	}
	if err != nil {
		return nil, fmt.Errorf("list thread messages failed: %w", err)
	}
	return collectMessages(rows)
}

// collectMessages scans and closes rows.
func collectMessages(rows *sql.Rows) ([]MessageRecord, error) {
	defer rows.Close()
	var out []MessageRecord
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message failed: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("message iteration failed: %w", err)
	}
	return out, nil
}
