package jobs

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/Courier/internal/jobmanager"
	"github.com/BTreeMap/Courier/internal/store"
	"github.com/BTreeMap/Courier/internal/transport"
)

type groupSendPayload struct {
	MessageID string `json:"message_id"`
	GroupID   string `json:"group_id"`
	Media     bool   `json:"media,omitempty"`
}

// PushGroupSendJob delivers an outgoing group message to each member of the group. Members
// are recorded as they are handled, so a retry only sends to the ones still outstanding.
type PushGroupSendJob struct {
	jobmanager.Base
	env     *Env
	payload groupSendPayload
}

// Compile-time checks for the capabilities PushGroupSendJob implements.
var (
	_ jobmanager.Serializer = (*PushGroupSendJob)(nil)
	_ jobmanager.Cancelable = (*PushGroupSendJob)(nil)
)

// NewPushGroupSendJob sends the stored outgoing message messageID to the members of groupID.
// With media set it waits for the message's attachments to be uploaded.
func NewPushGroupSendJob(env *Env, groupID, messageID string, media bool) *PushGroupSendJob {
	return &PushGroupSendJob{
		Base:    jobmanager.NewBase(sendParameters(groupID)),
		env:     env,
		payload: groupSendPayload{MessageID: messageID, GroupID: groupID, Media: media},
	}
}

func (j *PushGroupSendJob) FactoryKey() string { return KeyPushGroupSend }

func (j *PushGroupSendJob) Serialize() ([]byte, error) { return encode(j.payload) }

func (j *PushGroupSendJob) Run(ctx context.Context) error {
	env, p := j.env, j.payload
	msg, err := env.Messages.GetMessage(p.MessageID)
	if err != nil {
		return jobmanager.Transient(fmt.Errorf("load message %s: %w", p.MessageID, err))
	}
	if msg == nil {
		return jobmanager.Permanent(fmt.Errorf("message %s not found", p.MessageID))
	}
	if msg.Status == store.MessageStatusSent {
		slog.Debug("PushGroupSendJob.Run: message already sent, skipping", "message_id", p.MessageID)
		return nil
	}
	group, err := env.Groups.GetGroup(p.GroupID)
	if err != nil {
		return jobmanager.Transient(fmt.Errorf("load group %s: %w", p.GroupID, err))
	}
	if group == nil || !group.Active {
		return jobmanager.Permanent(fmt.Errorf("group %s is unknown or inactive", p.GroupID))
	}
	if len(group.Members) == 0 {
		return jobmanager.Permanent(fmt.Errorf("group %s has no members", p.GroupID))
	}

	out := transport.OutgoingMessage{
		MessageID: msg.ID,
		Body:      msg.Body,
		Timestamp: msg.CreatedAt.UnixMilli(),
	}
	if p.Media {
		pointers, err := uploadedPointers(env, msg.ID)
		if err != nil {
			return err
		}
		out.Attachments = pointers
	}

	recorded, err := env.Recipients.ListRecipients(msg.ID)
	if err != nil {
		return jobmanager.Transient(fmt.Errorf("list recipients: %w", err))
	}
	handled := make(map[string]store.RecipientStatus, len(recorded))
	for _, r := range recorded {
		handled[r.Recipient] = r.Status
	}

	if err := env.Messages.MarkSending(msg.ID); err != nil {
		return jobmanager.Transient(fmt.Errorf("mark sending: %w", err))
	}
	var retryErr error
	for _, member := range group.Members {
		if _, ok := handled[member]; ok {
			continue
		}
		res := env.Transport.Send(ctx, member, out)
		env.Metrics.SendResult(res.Status.String())
		switch {
		case res.Status == transport.StatusSent:
			handled[member] = store.RecipientSent
			if err := env.Recipients.SetRecipientStatus(msg.ID, member, store.RecipientSent); err != nil {
				// The member got the message; without the record a retry sends it again.
				slog.Error("PushGroupSendJob.Run: failed to record recipient", "message_id", msg.ID, "recipient", member, "error", err)
				retryErr = err
			}
		case res.Status.Retryable():
			slog.Warn("PushGroupSendJob.Run: retryable failure", "message_id", msg.ID, "recipient", member, "status", res.Status, "error", res.Err)
			if retryErr == nil {
				retryErr = fmt.Errorf("send %s to %s: %s: %v", msg.ID, member, res.Status, res.Err)
			}
		default:
			slog.Warn("PushGroupSendJob.Run: member skipped", "message_id", msg.ID, "recipient", member, "status", res.Status, "error", res.Err)
			handled[member] = store.RecipientFailed
			if err := env.Recipients.SetRecipientStatus(msg.ID, member, store.RecipientFailed); err != nil {
				retryErr = err
			}
		}
	}
	if retryErr != nil {
		return jobmanager.Transient(retryErr)
	}

	delivered := 0
	for _, member := range group.Members {
		if handled[member] == store.RecipientSent {
			delivered++
		}
	}
	if delivered == 0 {
		return jobmanager.Permanent(fmt.Errorf("send %s: no member of group %s accepted the message", msg.ID, p.GroupID))
	}
	if err := env.Messages.MarkSent(msg.ID, env.now()); err != nil {
		slog.Error("PushGroupSendJob.Run: failed to mark message sent", "message_id", msg.ID, "error", err)
	}
	slog.Debug("PushGroupSendJob.Run: group message sent", "message_id", msg.ID, "group_id", p.GroupID,
		"delivered", delivered, "members", len(group.Members))
	return nil
}

func (j *PushGroupSendJob) OnCanceled(ctx context.Context) {
	markSendFailed(j.env, j.payload.MessageID)
}
