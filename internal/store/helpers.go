package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// sqlExecutor is the part of *sql.DB and *sql.Tx shared by single-row writes, so they can
// run alone or inside a transaction.
type sqlExecutor interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
	QueryRow(query string, args ...interface{}) *sql.Row
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// nilIfZeroTime returns nil for the zero time so it is stored as NULL.
func nilIfZeroTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

// maxAttemptsValue maps the Unlimited sentinel to NULL.
func maxAttemptsValue(n int) interface{} {
	if n == Unlimited {
		return nil
	}
	return n
}

// lifespanValue stores a lifespan as milliseconds, NULL when unset.
func lifespanValue(d time.Duration) interface{} {
	if d <= 0 {
		return nil
	}
	return d.Milliseconds()
}

// encodeStringList encodes a list column as a JSON array.
func encodeStringList(list []string) string {
	if len(list) == 0 {
		return "[]"
	}
	b, err := json.Marshal(list)
	if err != nil {
		// []string always marshals
		return "[]"
	}
	return string(b)
}

// decodeStringList decodes a JSON array column, treating empty input as an empty list.
func decodeStringList(s string) ([]string, error) {
	if s == "" || s == "[]" {
		return nil, nil
	}
	var list []string
	if err := json.Unmarshal([]byte(s), &list); err != nil {
		return nil, fmt.Errorf("decode list column: %w", err)
	}
	return list, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

const jobColumns = `id, factory_key, queue_key, data, constraints, create_time, lifespan_ms, max_attempts, current_attempt, depends_on, persistent, run_after, seq`

// scanJobRecord scans a JobRecord selected with jobColumns.
func scanJobRecord(row rowScanner) (JobRecord, error) {
	var r JobRecord
	var queueKey sql.NullString
	var constraints, dependsOn string
	var lifespanMs, maxAttempts sql.NullInt64
	var runAfter sql.NullTime
	err := row.Scan(
		&r.ID, &r.FactoryKey, &queueKey, &r.Data, &constraints, &r.CreateTime, &lifespanMs,
		&maxAttempts, &r.CurrentAttempt, &dependsOn, &r.Persistent, &runAfter, &r.Seq,
	)
	if err != nil {
		return r, err
	}
	r.QueueKey = queueKey.String
	if lifespanMs.Valid {
		r.Lifespan = time.Duration(lifespanMs.Int64) * time.Millisecond
	}
	r.MaxAttempts = Unlimited
	if maxAttempts.Valid {
		r.MaxAttempts = int(maxAttempts.Int64)
	}
	if runAfter.Valid {
		r.RunAfter = runAfter.Time
	}
	if r.Constraints, err = decodeStringList(constraints); err != nil {
		return r, err
	}
	if r.DependsOn, err = decodeStringList(dependsOn); err != nil {
		return r, err
	}
	return r, nil
}

const messageColumns = `id, envelope_id, thread_id, peer, direction, type, body, ciphertext, envelope_type, status, duplicate_count, sent_at, created_at, updated_at`

// scanMessage scans a MessageRecord selected with messageColumns.
func scanMessage(row rowScanner) (MessageRecord, error) {
	var m MessageRecord
	var envelopeID, body sql.NullString
	var sentAt sql.NullTime
	err := row.Scan(
		&m.ID, &envelopeID, &m.ThreadID, &m.Peer, &m.Direction, &m.Type, &body, &m.Ciphertext,
		&m.EnvelopeType, &m.Status, &m.DuplicateCount, &sentAt, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return m, err
	}
	m.EnvelopeID = envelopeID.String
	m.Body = body.String
	if sentAt.Valid {
		m.SentAt = &sentAt.Time
	}
	return m, nil
}

const attachmentColumns = `id, message_id, content_type, file_name, size, remote_key, local_path, state, created_at, updated_at`

// scanAttachment scans an AttachmentRecord selected with attachmentColumns.
func scanAttachment(row rowScanner) (AttachmentRecord, error) {
	var a AttachmentRecord
	var contentType, fileName, remoteKey, localPath sql.NullString
	err := row.Scan(
		&a.ID, &a.MessageID, &contentType, &fileName, &a.Size, &remoteKey, &localPath,
		&a.State, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return a, err
	}
	a.ContentType = contentType.String
	a.FileName = fileName.String
	a.RemoteKey = remoteKey.String
	a.LocalPath = localPath.String
	return a, nil
}

const envelopeColumns = `id, type, source, source_device, sender_timestamp, server_timestamp, content`
