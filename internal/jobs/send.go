package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/Courier/internal/jobmanager"
	"github.com/BTreeMap/Courier/internal/models"
	"github.com/BTreeMap/Courier/internal/network"
	"github.com/BTreeMap/Courier/internal/store"
	"github.com/BTreeMap/Courier/internal/transport"
)

// SendLifespan is how long a send keeps retrying before the message is marked failed.
const SendLifespan = 24 * time.Hour

var errAttachmentsNotUploaded = errors.New("attachments not uploaded yet")

type sendPayload struct {
	MessageID string `json:"message_id"`
	To        string `json:"to"`
}

// ConversationQueue is the queue key that keeps sends within one thread in order.
func ConversationQueue(threadID string) string {
	return "conv-" + threadID
}

func sendParameters(threadID string) jobmanager.Parameters {
	return jobmanager.Parameters{
		QueueKey:    ConversationQueue(threadID),
		Constraints: []string{network.ConstraintName},
		MaxAttempts: jobmanager.Unlimited,
		Lifespan:    SendLifespan,
		Persistent:  true,
	}
}

// PushTextSendJob sends an outgoing text message.
type PushTextSendJob struct {
	jobmanager.Base
	env     *Env
	payload sendPayload
}

// Compile-time checks for the capabilities PushTextSendJob implements.
var (
	_ jobmanager.Serializer = (*PushTextSendJob)(nil)
	_ jobmanager.Cancelable = (*PushTextSendJob)(nil)
)

// NewPushTextSendJob sends the stored outgoing message messageID to `to`.
func NewPushTextSendJob(env *Env, threadID, to, messageID string) *PushTextSendJob {
	return &PushTextSendJob{
		Base:    jobmanager.NewBase(sendParameters(threadID)),
		env:     env,
		payload: sendPayload{MessageID: messageID, To: to},
	}
}

func (j *PushTextSendJob) FactoryKey() string { return KeyPushTextSend }

func (j *PushTextSendJob) Serialize() ([]byte, error) { return encode(j.payload) }

func (j *PushTextSendJob) Run(ctx context.Context) error {
	return send(ctx, j.env, j.payload, false)
}

func (j *PushTextSendJob) OnCanceled(ctx context.Context) {
	markSendFailed(j.env, j.payload.MessageID)
}

// PushMediaSendJob sends an outgoing message whose attachments were uploaded by the
// AttachmentUploadJobs it depends on.
type PushMediaSendJob struct {
	jobmanager.Base
	env     *Env
	payload sendPayload
}

// Compile-time checks for the capabilities PushMediaSendJob implements.
var (
	_ jobmanager.Serializer = (*PushMediaSendJob)(nil)
	_ jobmanager.Cancelable = (*PushMediaSendJob)(nil)
)

// NewPushMediaSendJob sends the stored outgoing message messageID, with attachments, to `to`.
func NewPushMediaSendJob(env *Env, threadID, to, messageID string) *PushMediaSendJob {
	return &PushMediaSendJob{
		Base:    jobmanager.NewBase(sendParameters(threadID)),
		env:     env,
		payload: sendPayload{MessageID: messageID, To: to},
	}
}

func (j *PushMediaSendJob) FactoryKey() string { return KeyPushMediaSend }

func (j *PushMediaSendJob) Serialize() ([]byte, error) { return encode(j.payload) }

func (j *PushMediaSendJob) Run(ctx context.Context) error {
	return send(ctx, j.env, j.payload, true)
}

func (j *PushMediaSendJob) OnCanceled(ctx context.Context) {
	markSendFailed(j.env, j.payload.MessageID)
}

func send(ctx context.Context, env *Env, p sendPayload, withAttachments bool) error {
	msg, err := env.Messages.GetMessage(p.MessageID)
	if err != nil {
		return jobmanager.Transient(fmt.Errorf("load message %s: %w", p.MessageID, err))
	}
	if msg == nil {
		return jobmanager.Permanent(fmt.Errorf("message %s not found", p.MessageID))
	}
	if msg.Status == store.MessageStatusSent {
		slog.Debug("send: message already sent, skipping", "message_id", p.MessageID)
		return nil
	}

	out := transport.OutgoingMessage{
		MessageID: msg.ID,
		Body:      msg.Body,
		Timestamp: msg.CreatedAt.UnixMilli(),
	}
	if withAttachments {
		pointers, err := uploadedPointers(env, msg.ID)
		if err != nil {
			return err
		}
		out.Attachments = pointers
	}

	if err := env.Messages.MarkSending(msg.ID); err != nil {
		return jobmanager.Transient(fmt.Errorf("mark sending: %w", err))
	}
	res := env.Transport.Send(ctx, p.To, out)
	env.Metrics.SendResult(res.Status.String())

	switch {
	case res.Status == transport.StatusSent:
		sentAt := env.now()
		if res.Timestamp > 0 {
			sentAt = time.UnixMilli(res.Timestamp)
		}
		if err := env.Messages.MarkSent(msg.ID, sentAt); err != nil {
			// The transport accepted the message; a retry would resend it.
			slog.Error("send: failed to mark message sent", "message_id", msg.ID, "error", err)
		}
		slog.Debug("send: message sent", "message_id", msg.ID, "transport_id", res.MessageID)
		return nil
	case res.Status.Retryable():
		slog.Warn("send: retryable failure", "message_id", msg.ID, "status", res.Status, "error", res.Err)
		return jobmanager.Transient(fmt.Errorf("send %s: %s: %v", msg.ID, res.Status, res.Err))
	default:
		slog.Error("send: permanent failure", "message_id", msg.ID, "status", res.Status, "error", res.Err)
		return jobmanager.Permanent(fmt.Errorf("send %s: %s: %v", msg.ID, res.Status, res.Err))
	}
}

// uploadedPointers returns the attachment pointers of messageID, or a Pending error while
// any of them lacks a remote key.
func uploadedPointers(env *Env, messageID string) ([]models.AttachmentPointer, error) {
	rows, err := env.Attachments.ListAttachments(messageID)
	if err != nil {
		return nil, jobmanager.Transient(fmt.Errorf("list attachments: %w", err))
	}
	pointers := make([]models.AttachmentPointer, 0, len(rows))
	for _, a := range rows {
		if a.State == store.TransferFailed {
			return nil, jobmanager.Permanent(fmt.Errorf("attachment %s failed to upload", a.ID))
		}
		if a.RemoteKey == "" {
			return nil, jobmanager.Pending(fmt.Errorf("%w: %s", errAttachmentsNotUploaded, a.ID))
		}
		pointers = append(pointers, models.AttachmentPointer{
			RemoteKey:   a.RemoteKey,
			ContentType: a.ContentType,
			Size:        a.Size,
			FileName:    a.FileName,
		})
	}
	return pointers, nil
}

func markSendFailed(env *Env, messageID string) {
	if err := env.Messages.MarkFailed(messageID); err != nil {
		slog.Error("send: failed to mark message failed", "message_id", messageID, "error", err)
		return
	}
	slog.Warn("send: message failed", "message_id", messageID)
}
