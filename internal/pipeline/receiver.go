package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/Courier/internal/jobmanager"
	"github.com/BTreeMap/Courier/internal/jobs"
	"github.com/BTreeMap/Courier/internal/models"
	"github.com/BTreeMap/Courier/internal/store"
)

// Decrypt job identity and limits.
const (
	DecryptQueue       = "__PUSH_DECRYPT__"
	KeyDecrypt         = "PushDecryptJob"
	DecryptMaxAttempts = 10
)

// DecryptJobID is the stable id of the decrypt job for an envelope, so a redelivered
// envelope never gets a second job while the first is queued.
func DecryptJobID(envelopeID string) string {
	return "decrypt_" + envelopeID
}

type decryptPayload struct {
	EnvelopeID string `json:"envelope_id"`
}

// DecryptJob processes one stored envelope and deletes it once handled.
type DecryptJob struct {
	jobmanager.Base
	processor *Processor
	envelopes store.EnvelopeRepo
	payload   decryptPayload
}

// Compile-time checks for the capabilities DecryptJob implements.
var (
	_ jobmanager.Serializer = (*DecryptJob)(nil)
	_ jobmanager.Cancelable = (*DecryptJob)(nil)
)

// NewDecryptJob creates the decrypt job for envelopeID.
func NewDecryptJob(processor *Processor, envelopes store.EnvelopeRepo, envelopeID string) *DecryptJob {
	return &DecryptJob{
		Base: jobmanager.NewBase(jobmanager.Parameters{
			ID:          DecryptJobID(envelopeID),
			QueueKey:    DecryptQueue,
			MaxAttempts: DecryptMaxAttempts,
			Persistent:  true,
		}),
		processor: processor,
		envelopes: envelopes,
		payload:   decryptPayload{EnvelopeID: envelopeID},
	}
}

func (j *DecryptJob) FactoryKey() string { return KeyDecrypt }

func (j *DecryptJob) Serialize() ([]byte, error) {
	data, err := json.Marshal(j.payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode decrypt job: %w", err)
	}
	return data, nil
}

func (j *DecryptJob) Run(ctx context.Context) error {
	id := j.payload.EnvelopeID
	env, err := j.envelopes.GetEnvelope(id)
	if err != nil {
		return jobmanager.Transient(fmt.Errorf("load envelope %s: %w", id, err))
	}
	if env == nil {
		slog.Debug("DecryptJob.Run: envelope already handled", "envelope_id", id)
		return nil
	}
	if _, err := j.processor.Process(ctx, env); err != nil {
		return jobmanager.Transient(fmt.Errorf("process envelope %s: %w", id, err))
	}
	if err := j.envelopes.DeleteEnvelope(id); err != nil {
		// The ledger already holds the outcome, so a rerun only deletes the envelope.
		return jobmanager.Transient(fmt.Errorf("delete envelope %s: %w", id, err))
	}
	return nil
}

// OnCanceled makes a failure final once the job will not run again: the envelope is
// recorded as a decrypt failure and removed, so RecoverOrphans does not schedule it anew.
func (j *DecryptJob) OnCanceled(ctx context.Context) {
	id := j.payload.EnvelopeID
	env, err := j.envelopes.GetEnvelope(id)
	if err != nil {
		slog.Error("DecryptJob.OnCanceled: failed to load envelope", "envelope_id", id, "error", err)
		return
	}
	if env == nil {
		return
	}
	if err := j.processor.Abandon(env); err != nil {
		// Keep the envelope; the next start retries it from a fresh attempt count.
		slog.Error("DecryptJob.OnCanceled: failed to record failure", "envelope_id", id, "error", err)
		return
	}
	if err := j.envelopes.DeleteEnvelope(id); err != nil {
		slog.Error("DecryptJob.OnCanceled: failed to delete envelope", "envelope_id", id, "error", err)
	}
}

// Register adds the decrypt job factory.
func Register(reg *jobmanager.Registry, processor *Processor, envelopes store.EnvelopeRepo) error {
	return reg.Register(KeyDecrypt, func(p jobmanager.Parameters, data []byte) (jobmanager.Job, error) {
		var payload decryptPayload
		if err := json.Unmarshal(data, &payload); err != nil {
			return nil, fmt.Errorf("invalid decrypt job data: %w", err)
		}
		return &DecryptJob{Base: jobmanager.NewBase(p), processor: processor, envelopes: envelopes, payload: payload}, nil
	})
}

// Receiver is the entry point for envelopes arriving from the network.
type Receiver struct {
	envelopes store.EnvelopeRepo
	manager   *jobmanager.Manager
	processor *Processor
}

// NewReceiver creates a Receiver.
func NewReceiver(envelopes store.EnvelopeRepo, manager *jobmanager.Manager, processor *Processor) *Receiver {
	return &Receiver{envelopes: envelopes, manager: manager, processor: processor}
}

// OnEnvelopeReceived stores env durably and schedules its decryption. It returns once the
// envelope is safe on disk; a redelivered envelope is accepted without a second job.
func (r *Receiver) OnEnvelopeReceived(ctx context.Context, env models.Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	inserted, err := r.envelopes.InsertEnvelope(env)
	if err != nil {
		return fmt.Errorf("store envelope: %w", err)
	}
	if !inserted {
		slog.Debug("Receiver.OnEnvelopeReceived: envelope already stored", "envelope_id", env.ID)
	}
	return r.schedule(ctx, env.ID)
}

func (r *Receiver) schedule(ctx context.Context, envelopeID string) error {
	if err := jobs.AddOnce(ctx, r.manager, NewDecryptJob(r.processor, r.envelopes, envelopeID)); err != nil {
		return fmt.Errorf("enqueue decrypt job: %w", err)
	}
	return nil
}

// RecoverOrphans schedules a decrypt job for every stored envelope without one, e.g. after a
// crash between storing an envelope and persisting its job.
func (r *Receiver) RecoverOrphans(ctx context.Context) (int, error) {
	ids, err := r.envelopes.ListEnvelopeIDs()
	if err != nil {
		return 0, fmt.Errorf("list envelopes: %w", err)
	}
	scheduled := 0
	for _, id := range ids {
		jobID := DecryptJobID(id)
		if len(r.manager.Find(func(s jobmanager.JobSnapshot) bool { return s.ID == jobID })) > 0 {
			continue
		}
		if err := r.schedule(ctx, id); err != nil {
			return scheduled, err
		}
		scheduled++
	}
	if scheduled > 0 {
		slog.Info("Receiver.RecoverOrphans: rescheduled envelopes", "count", scheduled)
	}
	return scheduled, nil
}

// JobFollowUps implements FollowUps with jobs on the manager.
type JobFollowUps struct {
	Env     *jobs.Env
	Manager *jobmanager.Manager
}

// Compile-time check that JobFollowUps implements FollowUps.
var _ FollowUps = (*JobFollowUps)(nil)

func (f *JobFollowUps) DownloadAttachment(ctx context.Context, attachmentID string) error {
	_, err := f.Manager.Add(ctx, jobs.NewAttachmentDownloadJob(f.Env, attachmentID, false))
	return err
}

func (f *JobFollowUps) RefreshPreKeys(ctx context.Context) error {
	return jobs.AddOnce(ctx, f.Manager, jobs.NewRefreshPreKeysJob(f.Env))
}
