package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/BTreeMap/Courier/internal/jobmanager"
	"github.com/BTreeMap/Courier/internal/jobs"
	"github.com/BTreeMap/Courier/internal/models"
	"github.com/BTreeMap/Courier/internal/pipeline"
	"github.com/BTreeMap/Courier/internal/store"
)

type jobView struct {
	ID          string    `json:"id"`
	Factory     string    `json:"factory"`
	Queue       string    `json:"queue,omitempty"`
	State       string    `json:"state"`
	Attempt     int       `json:"attempt"`
	MaxAttempts int       `json:"max_attempts"`
	Constraints []string  `json:"constraints,omitempty"`
	DependsOn   []string  `json:"depends_on,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	RunAfter    time.Time `json:"run_after"`
	Persistent  bool      `json:"persistent"`
}

func newJobView(s jobmanager.JobSnapshot) jobView {
	return jobView{
		ID:          s.ID,
		Factory:     s.FactoryKey,
		Queue:       s.QueueKey,
		State:       string(s.State),
		Attempt:     s.Attempt,
		MaxAttempts: s.MaxAttempts,
		Constraints: s.Constraints,
		DependsOn:   s.DependsOn,
		CreatedAt:   s.CreateTime,
		RunAfter:    s.RunAfter,
		Persistent:  s.Persistent,
	}
}

type attachmentView struct {
	ID          string `json:"id"`
	ContentType string `json:"content_type,omitempty"`
	FileName    string `json:"file_name,omitempty"`
	Size        int64  `json:"size,omitempty"`
	RemoteKey   string `json:"remote_key,omitempty"`
	LocalPath   string `json:"local_path,omitempty"`
	State       string `json:"state"`
}

type messageView struct {
	ID             string           `json:"id"`
	ThreadID       string           `json:"thread_id"`
	Peer           string           `json:"peer"`
	Direction      string           `json:"direction"`
	Type           string           `json:"type"`
	Body           string           `json:"body,omitempty"`
	Status         string           `json:"status"`
	DuplicateCount int              `json:"duplicate_count,omitempty"`
	SentAt         *time.Time       `json:"sent_at,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	Attachments    []attachmentView `json:"attachments,omitempty"`
}

func newMessageView(m *store.MessageRecord, atts []store.AttachmentRecord) messageView {
	v := messageView{
		ID:             m.ID,
		ThreadID:       m.ThreadID,
		Peer:           m.Peer,
		Direction:      string(m.Direction),
		Type:           string(m.Type),
		Body:           m.Body,
		Status:         string(m.Status),
		DuplicateCount: m.DuplicateCount,
		SentAt:         m.SentAt,
		CreatedAt:      m.CreatedAt,
	}
	for _, a := range atts {
		v.Attachments = append(v.Attachments, attachmentView{
			ID:          a.ID,
			ContentType: a.ContentType,
			FileName:    a.FileName,
			Size:        a.Size,
			RemoteKey:   a.RemoteKey,
			LocalPath:   a.LocalPath,
			State:       string(a.State),
		})
	}
	return v
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	result := map[string]interface{}{"status": "ok"}
	if s.opts.Network != nil {
		result["network"] = s.opts.Network.Available()
	}
	writeJSONResponse(w, http.StatusOK, models.Success(result))
}

// listJobsHandler returns live jobs, optionally filtered by ?queue= and ?state=.
func (s *Server) listJobsHandler(w http.ResponseWriter, r *http.Request) {
	queue := r.URL.Query().Get("queue")
	state := r.URL.Query().Get("state")
	snaps := s.manager.Find(func(j jobmanager.JobSnapshot) bool {
		if queue != "" && j.QueueKey != queue {
			return false
		}
		return state == "" || string(j.State) == state
	})
	views := make([]jobView, 0, len(snaps))
	for _, j := range snaps {
		views = append(views, newJobView(j))
	}
	slog.Debug("Server.listJobsHandler: listing jobs", "count", len(views), "queue", queue, "state", state)
	writeJSONResponse(w, http.StatusOK, models.Success(views))
}

func (s *Server) cancelJobHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.manager.Cancel(id); err != nil {
		if errors.Is(err, jobmanager.ErrJobNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Job not found"))
			return
		}
		slog.Error("Server.cancelJobHandler: cancel failed", "id", id, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to cancel job"))
		return
	}
	slog.Info("Server.cancelJobHandler: job canceled", "id", id)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Job canceled", map[string]string{"id": id}))
}

func (s *Server) cancelQueueHandler(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	n := len(s.manager.Find(func(j jobmanager.JobSnapshot) bool { return j.QueueKey == key }))
	s.manager.CancelAllInQueue(key)
	slog.Info("Server.cancelQueueHandler: queue canceled", "queue", key, "jobs", n)
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]interface{}{"queue": key, "canceled": n}))
}

func (s *Server) receiveEnvelopeHandler(w http.ResponseWriter, r *http.Request) {
	var env models.Envelope
	if err := decodeJSON(w, r, &env); err != nil {
		slog.Warn("Server.receiveEnvelopeHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := s.receiver.OnEnvelopeReceived(r.Context(), env); err != nil {
		if isValidationError(err) {
			writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
			return
		}
		slog.Error("Server.receiveEnvelopeHandler: envelope not accepted", "id", env.ID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to store envelope"))
		return
	}
	writeJSONResponse(w, http.StatusAccepted, models.Queued(map[string]string{
		"envelope_id": env.ID,
		"job_id":      pipeline.DecryptJobID(env.ID),
	}))
}

func (s *Server) sendMessageHandler(w http.ResponseWriter, r *http.Request) {
	var req models.SendRequest
	if err := decodeJSON(w, r, &req); err != nil {
		slog.Warn("Server.sendMessageHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	id, err := s.sender.Send(r.Context(), req)
	if err != nil {
		if isValidationError(err) {
			slog.Warn("Server.sendMessageHandler: validation failed", "error", err, "to", req.To, "group_id", req.GroupID)
			writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
			return
		}
		slog.Error("Server.sendMessageHandler: send failed", "error", err, "to", req.To, "group_id", req.GroupID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to enqueue message"))
		return
	}
	slog.Info("Server.sendMessageHandler: message queued", "message_id", id, "to", req.To, "group_id", req.GroupID)
	writeJSONResponse(w, http.StatusAccepted, models.Queued(map[string]string{"message_id": id}))
}

func (s *Server) getMessageHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	msg, err := s.store.GetMessage(id)
	if err != nil {
		slog.Error("Server.getMessageHandler: lookup failed", "id", id, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load message"))
		return
	}
	if msg == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Message not found"))
		return
	}
	atts, err := s.store.ListAttachments(id)
	if err != nil {
		slog.Error("Server.getMessageHandler: attachment lookup failed", "id", id, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load attachments"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(newMessageView(msg, atts)))
}

// trustMessageHandler accepts the sender's new identity and decrypts the held message.
func (s *Server) trustMessageHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	outcome, err := s.processor.ReprocessUntrusted(r.Context(), id)
	switch {
	case err == nil:
	case errors.Is(err, pipeline.ErrMessageNotFound):
		writeJSONResponse(w, http.StatusNotFound, models.Error("Message not found"))
		return
	case errors.Is(err, pipeline.ErrNotUntrusted), errors.Is(err, pipeline.ErrStillUntrusted):
		writeJSONResponse(w, http.StatusConflict, models.Error(err.Error()))
		return
	default:
		slog.Error("Server.trustMessageHandler: reprocess failed", "id", id, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to reprocess message"))
		return
	}
	slog.Info("Server.trustMessageHandler: message reprocessed", "id", id, "outcome", outcome.String())
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"id": id, "outcome": outcome.String()}))
}

// downloadAttachmentHandler queues a user-requested download, bypassing the auto-download
// preference.
func (s *Server) downloadAttachmentHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	att, err := s.store.GetAttachment(id)
	if err != nil {
		slog.Error("Server.downloadAttachmentHandler: lookup failed", "id", id, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load attachment"))
		return
	}
	if att == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Attachment not found"))
		return
	}
	if att.LocalPath != "" {
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Attachment already downloaded", map[string]string{"local_path": att.LocalPath}))
		return
	}
	if att.RemoteKey == "" {
		writeJSONResponse(w, http.StatusConflict, models.Error("Attachment has no remote copy"))
		return
	}
	jobID, err := s.manager.Add(r.Context(), jobs.NewAttachmentDownloadJob(s.env, id, true))
	if err != nil {
		slog.Error("Server.downloadAttachmentHandler: enqueue failed", "id", id, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to enqueue download"))
		return
	}
	if att.State == store.TransferFailed {
		if err := s.store.SetAttachmentState(id, store.TransferPending); err != nil {
			slog.Warn("Server.downloadAttachmentHandler: failed to reset state", "id", id, "error", err)
		}
	}
	slog.Info("Server.downloadAttachmentHandler: download queued", "id", id, "job_id", jobID)
	writeJSONResponse(w, http.StatusAccepted, models.Queued(map[string]string{"attachment_id": id, "job_id": jobID}))
}

type networkRequest struct {
	Available *bool `json:"available"`
}

func (s *Server) networkHandler(w http.ResponseWriter, r *http.Request) {
	if s.opts.Network == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Network control not enabled"))
		return
	}
	var req networkRequest
	if err := decodeJSON(w, r, &req); err != nil || req.Available == nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Body must be {\"available\": true|false}"))
		return
	}
	s.opts.Network.SetAvailable(*req.Available)
	slog.Info("Server.networkHandler: network availability set", "available", *req.Available)
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]bool{"available": *req.Available}))
}
