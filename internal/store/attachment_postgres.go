package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/BTreeMap/Courier/internal/util"
)

// Compile-time check that PostgresStore implements AttachmentRepo.
var _ AttachmentRepo = (*PostgresStore)(nil)

func (s *PostgresStore) InsertAttachment(a *AttachmentRecord) error {
	return s.insertAttachment(s.db, a)
}

func (s *PostgresStore) insertAttachment(q sqlExecutor, a *AttachmentRecord) error {
	if a.ID == "" {
		a.ID = util.NewAttachmentID()
	}
	if a.State == "" {
		a.State = TransferPending
	}
	now := time.Now()
	a.CreatedAt, a.UpdatedAt = now, now
	_, err := q.Exec(
		`INSERT INTO attachments (`+attachmentColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		a.ID, a.MessageID, nilIfEmpty(a.ContentType), nilIfEmpty(a.FileName), a.Size,
		nilIfEmpty(a.RemoteKey), nilIfEmpty(a.LocalPath), string(a.State), a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert attachment failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAttachment(id string) (*AttachmentRecord, error) {
	a, err := scanAttachment(s.db.QueryRow(`SELECT `+attachmentColumns+` FROM attachments WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get attachment failed: %w", err)
	}
	return &a, nil
}

func (s *PostgresStore) ListAttachments(messageID string) ([]AttachmentRecord, error) {
	rows, err := s.db.Query(`SELECT `+attachmentColumns+` FROM attachments WHERE message_id = $1 ORDER BY created_at ASC`, messageID)
	if err != nil {
		return nil, fmt.Errorf("list attachments failed: %w", err)
	}
	return collectAttachments(rows)
}

func (s *PostgresStore) CompleteUpload(id, remoteKey string) error {
	_, err := s.db.Exec(
		`UPDATE attachments SET remote_key = $1, state = 'done', updated_at = $2 WHERE id = $3`,
		remoteKey, time.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("complete upload failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) CompleteDownload(id, localPath string) error {
	_, err := s.db.Exec(
		`UPDATE attachments SET local_path = $1, state = 'done', updated_at = $2 WHERE id = $3`,
		localPath, time.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("complete download failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetAttachmentState(id string, state TransferState) error {
	_, err := s.db.Exec(`UPDATE attachments SET state = $1, updated_at = $2 WHERE id = $3`, string(state), time.Now(), id)
	if err != nil {
		return fmt.Errorf("set attachment state failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListPendingDownloads() ([]AttachmentRecord, error) {
	rows, err := s.db.Query(
		`SELECT ` + attachmentColumns + ` FROM attachments
		 WHERE remote_key IS NOT NULL AND local_path IS NULL AND state = 'pending' ORDER BY created_at ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list pending downloads failed: %w", err)
	}
	return collectAttachments(rows)
}
