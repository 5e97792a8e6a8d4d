package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/BTreeMap/Courier/internal/jobmanager"
	"github.com/BTreeMap/Courier/internal/models"
	"github.com/BTreeMap/Courier/internal/store"
)

// MessageSender turns send requests into stored outgoing messages and their jobs.
type MessageSender struct {
	env     *Env
	manager *jobmanager.Manager
}

// NewMessageSender creates a MessageSender.
func NewMessageSender(env *Env, manager *jobmanager.Manager) *MessageSender {
	return &MessageSender{env: env, manager: manager}
}

// Send stores the message and enqueues its delivery. A text message gets a single
// PushTextSendJob; a message with attachments gets one AttachmentUploadJob per attachment
// followed by a PushMediaSendJob that depends on all of them. A group message is delivered
// by a PushGroupSendJob instead. Returns the message id.
func (s *MessageSender) Send(ctx context.Context, req models.SendRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	peer := req.To
	if req.GroupID != "" {
		if err := s.checkGroup(req.GroupID); err != nil {
			return "", err
		}
		peer = req.GroupID
	}

	msg := &store.MessageRecord{
		ThreadID:  req.ThreadID,
		Peer:      peer,
		Direction: store.DirectionOutbound,
		Type:      store.MessageTypeText,
		Body:      req.Body,
		Status:    store.MessageStatusPending,
	}
	if len(req.Attachments) > 0 {
		msg.Type = store.MessageTypeMedia
	}
	if err := s.env.Messages.InsertOutgoing(msg); err != nil {
		return "", fmt.Errorf("failed to store outgoing message: %w", err)
	}

	if len(req.Attachments) == 0 {
		var job jobmanager.Job = NewPushTextSendJob(s.env, req.ThreadID, req.To, msg.ID)
		if req.GroupID != "" {
			job = NewPushGroupSendJob(s.env, req.GroupID, msg.ID, false)
		}
		id, err := s.manager.Add(ctx, job)
		if err != nil {
			s.abandon(msg.ID)
			return "", fmt.Errorf("failed to enqueue send: %w", err)
		}
		slog.Debug("MessageSender.Send: text send enqueued", "message_id", msg.ID, "job_id", id)
		return msg.ID, nil
	}

	uploads := make([]jobmanager.Job, 0, len(req.Attachments))
	for _, att := range req.Attachments {
		row := &store.AttachmentRecord{
			MessageID:   msg.ID,
			ContentType: att.ContentType,
			FileName:    filepath.Base(att.Path),
			LocalPath:   att.Path,
			State:       store.TransferPending,
		}
		if err := s.env.Attachments.InsertAttachment(row); err != nil {
			s.abandon(msg.ID)
			return "", fmt.Errorf("failed to store attachment: %w", err)
		}
		uploads = append(uploads, NewAttachmentUploadJob(s.env, row.ID))
	}
	var final jobmanager.Job = NewPushMediaSendJob(s.env, req.ThreadID, req.To, msg.ID)
	if req.GroupID != "" {
		final = NewPushGroupSendJob(s.env, req.GroupID, msg.ID, true)
	}
	ids, err := s.manager.StartChain(uploads...).Then(final).Enqueue(ctx)
	if err != nil {
		s.abandon(msg.ID)
		return "", fmt.Errorf("failed to enqueue media send: %w", err)
	}
	slog.Debug("MessageSender.Send: media send enqueued", "message_id", msg.ID, "jobs", len(ids))
	return msg.ID, nil
}

func (s *MessageSender) checkGroup(groupID string) error {
	if s.env.Groups == nil || s.env.Recipients == nil {
		return fmt.Errorf("group sends are not configured: %w", models.ErrUnknownGroup)
	}
	g, err := s.env.Groups.GetGroup(groupID)
	if err != nil {
		return fmt.Errorf("failed to load group %s: %w", groupID, err)
	}
	if g == nil || !g.Active {
		return fmt.Errorf("%w: %s", models.ErrUnknownGroup, groupID)
	}
	return nil
}

func (s *MessageSender) abandon(messageID string) {
	if err := s.env.Messages.MarkFailed(messageID); err != nil {
		slog.Error("MessageSender.abandon: failed to mark message failed", "message_id", messageID, "error", err)
	}
}

// AddOnce adds job and treats an already queued job with the same stable id as success.
func AddOnce(ctx context.Context, m *jobmanager.Manager, job jobmanager.Job) error {
	_, err := m.Add(ctx, job)
	if errors.Is(err, jobmanager.ErrJobExists) {
		slog.Debug("AddOnce: job already queued", "id", job.Parameters().ID)
		return nil
	}
	return err
}
