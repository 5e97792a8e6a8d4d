package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/Courier/internal/util"
)

// Compile-time check that PostgresStore implements MessageRepo.
var _ MessageRepo = (*PostgresStore)(nil)

func (s *PostgresStore) InsertInbound(m *MessageRecord) (bool, error) {
	return s.insertInbound(s.db, m)
}

// InsertInboundWithAttachments inserts m and its attachments in one transaction. Nothing is
// written when a row for the envelope already exists.
func (s *PostgresStore) InsertInboundWithAttachments(m *MessageRecord, attachments []AttachmentRecord) (bool, error) {
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

func (s *PostgresStore) insertInbound(q sqlExecutor, m *MessageRecord) (bool, error) {
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
		`INSERT INTO messages (`+messageColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 ON CONFLICT (envelope_id) DO NOTHING`,
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
	if err := q.QueryRow(`SELECT id FROM messages WHERE envelope_id = $1`, m.EnvelopeID).Scan(&existing); err != nil {
		return false, fmt.Errorf("lookup existing message failed: %w", err)
	}
	slog.Debug("PostgresStore.InsertInbound: envelope already has a message", "envelope_id", m.EnvelopeID, "message_id", existing)
	m.ID = existing
	return false, nil
}

func (s *PostgresStore) InsertOutgoing(m *MessageRecord) error {
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
		`INSERT INTO messages (`+messageColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		m.ID, nil, m.ThreadID, m.Peer, string(m.Direction), string(m.Type), nilIfEmpty(m.Body),
		m.Ciphertext, m.EnvelopeType, string(m.Status), 0, m.SentAt, m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert outgoing message failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) getMessageWhere(where string, arg interface{}) (*MessageRecord, error) {
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

func (s *PostgresStore) GetMessage(id string) (*MessageRecord, error) {
	return s.getMessageWhere(`id = $1`, id)
}

func (s *PostgresStore) GetMessageByEnvelopeID(envelopeID string) (*MessageRecord, error) {
	return s.getMessageWhere(`envelope_id = $1`, envelopeID)
}

func (s *PostgresStore) LatestInboundFrom(peer string) (*MessageRecord, error) {
	return s.getMessageWhere(`peer = $1 AND direction = 'inbound' ORDER BY created_at DESC LIMIT 1`, peer)
}

func (s *PostgresStore) ListMessagesByType(typ MessageType) ([]MessageRecord, error) {
	rows, err := s.db.Query(`SELECT `+messageColumns+` FROM messages WHERE type = $1 ORDER BY created_at ASC`, string(typ))
	if err != nil {
		return nil, fmt.Errorf("list messages by type failed: %w", err)
	}
	return collectMessages(rows)
}

func (s *PostgresStore) MarkDuplicate(envelopeID string) (bool, error) {
	result, err := s.db.Exec(
		`UPDATE messages SET duplicate_count = duplicate_count + 1, updated_at = $1 WHERE envelope_id = $2`,
		time.Now(), envelopeID,
	)
	if err != nil {
		return false, fmt.Errorf("mark duplicate failed: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

func (s *PostgresStore) UpdateMessageContent(id string, typ MessageType, body string) error {
	_, err := s.db.Exec(
		`UPDATE messages SET type = $1, body = $2, ciphertext = NULL, updated_at = $3 WHERE id = $4`,
		string(typ), nilIfEmpty(body), time.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("update message content failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkSending(id string) error {
	return s.setUnsentStatus(id, MessageStatusSending)
}

func (s *PostgresStore) MarkFailed(id string) error {
	return s.setUnsentStatus(id, MessageStatusFailed)
}

func (s *PostgresStore) setUnsentStatus(id string, status MessageStatus) error {
	_, err := s.db.Exec(
		`UPDATE messages SET status = $1, updated_at = $2 WHERE id = $3 AND status != 'sent'`,
		string(status), time.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("update message status failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkSent(id string, at time.Time) error {
	_, err := s.db.Exec(
		`UPDATE messages SET status = 'sent', sent_at = $1, updated_at = $2 WHERE id = $3`,
		at, time.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("mark sent failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListThreadMessages(threadID string, limit int) ([]MessageRecord, error) {
	var rows *sql.Rows
	var err error
	if limit > 0 {
		rows, err = s.db.Query(
			`SELECT `+messageColumns+` FROM (
				SELECT `+messageColumns+` FROM messages WHERE thread_id = $1 ORDER BY created_at DESC LIMIT $2
			) AS recent ORDER BY created_at ASC`,
			threadID, limit,
		)
	} else {
		rows, err = s.db.Query(`SELECT `+messageColumns+` FROM messages WHERE thread_id = $1 ORDER BY created_at ASC`, threadID)
	}
	if err != nil {
		return nil, fmt.Errorf("list thread messages failed: %w", err)
	}
	return collectMessages(rows)
}
