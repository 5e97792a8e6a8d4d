package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/BTreeMap/Courier/internal/util"
)

// Compile-time check that SQLiteStore implements AttachmentRepo.
var _ AttachmentRepo = (*SQLiteStore)(nil)

func (s *SQLiteStore) InsertAttachment(a *AttachmentRecord) error {
	return s.insertAttachment(s.db, a)
}

func (s *SQLiteStore) insertAttachment(q sqlExecutor, a *AttachmentRecord) error {
	if a.ID == "" {
		a.ID = util.NewAttachmentID()
	}
	if a.State == "" {
		a.State = TransferPending
	}
	now := time.Now()
	a.CreatedAt, a.UpdatedAt = now, now
	_, err := q.Exec(
		`INSERT INTO attachments (`+attachmentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.MessageID, nilIfEmpty(a.ContentType), nilIfEmpty(a.FileName), a.Size,
		nilIfEmpty(a.RemoteKey), nilIfEmpty(a.LocalPath), string(a.State), a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert attachment failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetAttachment(id string) (*AttachmentRecord, error) {
	a, err := scanAttachment(s.db.QueryRow(`SELECT `+attachmentColumns+` FROM attachments WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get attachment failed: %w", err)
	}
	return &a, nil
}

func (s *SQLiteStore) ListAttachments(messageID string) ([]AttachmentRecord, error) {
	rows, err := s.db.Query(`SELECT `+attachmentColumns+` FROM attachments WHERE message_id = ? ORDER BY created_at ASC`, messageID)
	if err != nil {
		return nil, fmt.Errorf("list attachments failed: %w", err)
	}
	return collectAttachments(rows)
}

func (s *SQLiteStore) CompleteUpload(id, remoteKey string) error {
	_, err := s.db.Exec(
		`UPDATE attachments SET remote_key = ?, state = 'done', updated_at = ? WHERE id = ?`,
		remoteKey, time.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("complete upload failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CompleteDownload(id, localPath string) error {
	_, err := s.db.Exec(
		`UPDATE attachments SET local_path = ?, state = 'done', updated_at = ? WHERE id = ?`,
		localPath, time.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("complete download failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SetAttachmentState(id string, state TransferState) error {
	_, err := s.db.Exec(`UPDATE attachments SET state = ?, updated_at = ? WHERE id = ?`, string(state), time.Now(), id)
	if err != nil {
		return fmt.Errorf("set attachment state failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListPendingDownloads() ([]AttachmentRecord, error) {
	rows, err := s.db.Query(
		`SELECT ` + attachmentColumns + ` FROM attachments
		 WHERE remote_key IS NOT NULL AND local_path IS NULL AND state = 'pending' ORDER BY created_at ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list pending downloads failed: %w", err)
	}
	return collectAttachments(rows)
}

// collectAttachments scans and closes rows.
func collectAttachments(rows *sql.Rows) ([]AttachmentRecord, error) {
	defer rows.Close()
	var out []AttachmentRecord
	for rows.Next() {
		a, err := scanAttachment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan attachment failed: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("attachment iteration failed: %w", err)
	}
	return out, nil
}
