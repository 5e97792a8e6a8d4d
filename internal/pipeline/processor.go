package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/Courier/internal/crypto"
	"github.com/BTreeMap/Courier/internal/models"
	"github.com/BTreeMap/Courier/internal/store"
	"github.com/BTreeMap/Courier/internal/telemetry"
)

var (
	ErrMessageNotFound = errors.New("message not found")
	ErrNotUntrusted    = errors.New("message is not waiting on an identity decision")
	ErrStillUntrusted  = errors.New("sender identity is still untrusted")
)

// Store is the persistence the processor writes to.
type Store interface {
	store.DedupRepo
	store.MessageRepo
	store.AttachmentRepo
	store.GroupRepo
}

// FollowUps schedules work that outlives envelope processing.
type FollowUps interface {
	DownloadAttachment(ctx context.Context, attachmentID string) error
	RefreshPreKeys(ctx context.Context) error
}

// Opts holds optional Processor collaborators.
type Opts struct {
	Notifier  Notifier
	FollowUps FollowUps
	Metrics   *telemetry.Metrics
}

// Option configures a Processor.
type Option func(*Opts)

// WithNotifier sets the receiver of user-visible events.
func WithNotifier(n Notifier) Option {
	return func(o *Opts) {
		o.Notifier = n
	}
}

// WithFollowUps sets the scheduler for attachment downloads and pre-key refreshes.
func WithFollowUps(f FollowUps) Option {
	return func(o *Opts) {
		o.FollowUps = f
	}
}

// WithMetrics records envelope outcomes.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(o *Opts) {
		o.Metrics = m
	}
}

// Processor decrypts, classifies and applies envelopes.
type Processor struct {
	engine crypto.Engine
	db     Store
	opts   Opts
}

// NewProcessor creates a Processor.
func NewProcessor(engine crypto.Engine, db Store, opts ...Option) *Processor {
	cfg := Opts{Notifier: nopNotifier{}}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Notifier == nil {
		cfg.Notifier = nopNotifier{}
	}
	return &Processor{engine: engine, db: db, opts: cfg}
}

// Process handles one envelope. Errors are infrastructure failures; the caller retries and
// the ledger plus the unique envelope id on message rows keep the retry idempotent.
func (p *Processor) Process(ctx context.Context, env *models.Envelope) (Outcome, error) {
	dup, err := p.db.IsDuplicate(env.ID)
	if err != nil {
		return 0, fmt.Errorf("check ledger: %w", err)
	}
	if dup {
		p.markDuplicate(env.ID)
		p.opts.Metrics.EnvelopeClassified(OutcomeDuplicate.String())
		slog.Debug("Processor.Process: already processed", "envelope_id", env.ID)
		return OutcomeDuplicate, nil
	}
	claimed, err := p.db.RecordInbound(env.ID, env.Source)
	if err != nil {
		return 0, fmt.Errorf("record inbound: %w", err)
	}
	// An open ledger row means an earlier attempt stopped part way; rows it wrote belong
	// to this envelope and are not duplicates.
	resumed := !claimed

	var c Classification
	var usedPreKey bool
	if env.Type == models.EnvelopeTypeReceipt {
		c = Classification{Outcome: OutcomeIgnored}
	} else {
		res, err := p.engine.Decrypt(ctx, env)
		if err != nil {
			return 0, err
		}
		usedPreKey = res.UsedPreKey
		c = Classify(res)
	}

	outcome, err := p.apply(ctx, env, c, resumed)
	if err != nil {
		return 0, err
	}
	if usedPreKey && p.opts.FollowUps != nil {
		if err := p.opts.FollowUps.RefreshPreKeys(ctx); err != nil {
			slog.Warn("Processor.Process: failed to schedule prekey refresh", "error", err)
		}
	}
	if err := p.db.MarkProcessed(env.ID, outcome.String()); err != nil {
		return 0, fmt.Errorf("mark processed: %w", err)
	}
	p.opts.Metrics.EnvelopeClassified(outcome.String())
	slog.Debug("Processor.Process: envelope processed", "envelope_id", env.ID, "type", env.Type,
		"outcome", outcome, "cause", c.Cause)
	return outcome, nil
}

// apply performs the writes of one classification. The returned outcome differs from
// c.Outcome only when the message row exists already and was not written by an earlier
// attempt on this envelope.
func (p *Processor) apply(ctx context.Context, env *models.Envelope, c Classification, resumed bool) (Outcome, error) {
	switch c.Outcome {
	case OutcomeDuplicate:
		p.markDuplicate(env.ID)
		return OutcomeDuplicate, nil

	case OutcomeIgnored:
		return OutcomeIgnored, nil

	case OutcomeLegacy, OutcomeNoSession, OutcomeUntrustedIdentity:
		return p.insertPlaceholder(env, c.Outcome, resumed)

	case OutcomeCorrupt:
		latest, err := p.db.LatestInboundFrom(env.Source)
		if err != nil {
			return 0, fmt.Errorf("load latest inbound: %w", err)
		}
		if latest != nil && latest.Type == store.MessageTypeDecryptFailed {
			slog.Debug("Processor.apply: collapsing repeated decrypt failure", "envelope_id", env.ID, "source", env.Source)
			return OutcomeCorrupt, nil
		}
		return p.insertPlaceholder(env, OutcomeCorrupt, resumed)

	case OutcomeEndSession:
		if !resumed {
			existing, err := p.db.GetMessageByEnvelopeID(env.ID)
			if err != nil {
				return 0, fmt.Errorf("load end session: %w", err)
			}
			if existing != nil {
				p.markDuplicate(env.ID)
				return OutcomeDuplicate, nil
			}
		}
		// The reset goes first: it is idempotent, and the row marks the envelope as applied.
		if err := p.engine.ResetSession(ctx, env.Source); err != nil {
			return 0, fmt.Errorf("reset session: %w", err)
		}
		row := &store.MessageRecord{
			EnvelopeID: env.ID,
			ThreadID:   env.Source,
			Peer:       env.Source,
			Type:       store.MessageTypeEndSession,
		}
		inserted, err := p.db.InsertInbound(row)
		if err != nil {
			return 0, fmt.Errorf("insert end session: %w", err)
		}
		if !inserted && !resumed {
			p.markDuplicate(env.ID)
			return OutcomeDuplicate, nil
		}
		p.opts.Notifier.Notify(Event{Type: EventSecurityStateChanged, Peer: env.Source, ThreadID: env.Source, MessageID: row.ID})
		return OutcomeEndSession, nil

	case OutcomeGroupUpdate:
		g := c.Content.Group
		applied, err := p.db.MergeGroup(store.GroupRecord{
			ID:       g.ID,
			Name:     g.Name,
			Members:  g.Members,
			Revision: g.Revision,
			Active:   g.Type != models.GroupContextQuit,
		})
		if err != nil {
			return 0, fmt.Errorf("merge group: %w", err)
		}
		if applied {
			p.opts.Notifier.Notify(Event{Type: EventGroupUpdated, Peer: env.Source, ThreadID: g.ID})
		} else {
			slog.Debug("Processor.apply: stale group revision", "group_id", g.ID, "revision", g.Revision)
		}
		return OutcomeGroupUpdate, nil

	case OutcomeContent:
		row := &store.MessageRecord{
			EnvelopeID: env.ID,
			ThreadID:   threadOf(env, c.Content),
			Peer:       env.Source,
			Type:       contentType(c.Content),
			Body:       c.Content.Body,
		}
		atts := attachmentRows(c.Content.Attachments)
		inserted, err := p.db.InsertInboundWithAttachments(row, atts)
		if err != nil {
			return 0, fmt.Errorf("insert message: %w", err)
		}
		if !inserted {
			if !resumed {
				p.markDuplicate(env.ID)
				return OutcomeDuplicate, nil
			}
			if atts, err = p.db.ListAttachments(row.ID); err != nil {
				return 0, fmt.Errorf("list attachments: %w", err)
			}
		}
		p.scheduleDownloads(ctx, atts)
		p.opts.Notifier.Notify(Event{Type: EventNewMessage, Peer: env.Source, ThreadID: row.ThreadID, MessageID: row.ID})
		return OutcomeContent, nil

	default:
		return 0, fmt.Errorf("unhandled outcome %s", c.Outcome)
	}
}

func (p *Processor) insertPlaceholder(env *models.Envelope, o Outcome, resumed bool) (Outcome, error) {
	typ, _ := placeholderType(o)
	row := &store.MessageRecord{
		EnvelopeID:   env.ID,
		ThreadID:     env.Source,
		Peer:         env.Source,
		Type:         typ,
		EnvelopeType: int(env.Type),
	}
	if o == OutcomeUntrustedIdentity {
		row.Ciphertext = env.Content
	}
	inserted, err := p.db.InsertInbound(row)
	if err != nil {
		return 0, fmt.Errorf("insert placeholder: %w", err)
	}
	if !inserted && !resumed {
		p.markDuplicate(env.ID)
		return OutcomeDuplicate, nil
	}
	switch o {
	case OutcomeLegacy:
		p.opts.Notifier.Notify(Event{Type: EventLegacyMessage, Peer: env.Source, ThreadID: env.Source, MessageID: row.ID})
	case OutcomeNoSession:
		p.opts.Notifier.Notify(Event{Type: EventNoSession, Peer: env.Source, ThreadID: env.Source, MessageID: row.ID})
	case OutcomeUntrustedIdentity:
		p.opts.Notifier.Notify(Event{Type: EventUntrustedIdentity, Peer: env.Source, ThreadID: env.Source, MessageID: row.ID})
	}
	return o, nil
}

func attachmentRows(pointers []models.AttachmentPointer) []store.AttachmentRecord {
	rows := make([]store.AttachmentRecord, 0, len(pointers))
	for _, ptr := range pointers {
		rows = append(rows, store.AttachmentRecord{
			ContentType: ptr.ContentType,
			FileName:    ptr.FileName,
			Size:        ptr.Size,
			RemoteKey:   ptr.RemoteKey,
		})
	}
	return rows
}

func (p *Processor) addAttachments(ctx context.Context, messageID string, pointers []models.AttachmentPointer) error {
	rows := attachmentRows(pointers)
	for i := range rows {
		rows[i].MessageID = messageID
		if err := p.db.InsertAttachment(&rows[i]); err != nil {
			return fmt.Errorf("insert attachment: %w", err)
		}
	}
	p.scheduleDownloads(ctx, rows)
	return nil
}

// scheduleDownloads queues a download for every attachment without a local copy. A row
// whose job could not be queued stays pending and recovery schedules it on the next start.
func (p *Processor) scheduleDownloads(ctx context.Context, rows []store.AttachmentRecord) {
	if p.opts.FollowUps == nil {
		return
	}
	for _, a := range rows {
		if a.LocalPath != "" || a.State == store.TransferFailed {
			continue
		}
		if err := p.opts.FollowUps.DownloadAttachment(ctx, a.ID); err != nil {
			slog.Warn("Processor.scheduleDownloads: failed to schedule download", "attachment_id", a.ID, "error", err)
		}
	}
}

// Abandon finalizes env after its processing gave up for good, leaving a decrypt_failed
// placeholder so the loss is visible in the conversation. An envelope that already has a
// finalized ledger row is left as it is.
func (p *Processor) Abandon(env *models.Envelope) error {
	dup, err := p.db.IsDuplicate(env.ID)
	if err != nil {
		return fmt.Errorf("check ledger: %w", err)
	}
	if dup {
		return nil
	}
	outcome := OutcomeCorrupt
	if env.Type == models.EnvelopeTypeReceipt {
		outcome = OutcomeIgnored
	} else {
		row := &store.MessageRecord{
			EnvelopeID:   env.ID,
			ThreadID:     env.Source,
			Peer:         env.Source,
			Type:         store.MessageTypeDecryptFailed,
			EnvelopeType: int(env.Type),
		}
		if _, err := p.db.InsertInbound(row); err != nil {
			return fmt.Errorf("insert placeholder: %w", err)
		}
	}
	if err := p.db.MarkProcessed(env.ID, outcome.String()); err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	p.opts.Metrics.EnvelopeClassified(outcome.String())
	slog.Warn("Processor.Abandon: envelope given up", "envelope_id", env.ID, "source", env.Source, "outcome", outcome)
	return nil
}

func (p *Processor) markDuplicate(envelopeID string) {
	marked, err := p.db.MarkDuplicate(envelopeID)
	if err != nil {
		slog.Error("Processor.markDuplicate: update failed", "envelope_id", envelopeID, "error", err)
		return
	}
	if !marked {
		slog.Debug("Processor.markDuplicate: no message row for envelope", "envelope_id", envelopeID)
	}
}

// ReprocessUntrusted accepts the sender identity of an untrusted-identity placeholder and
// decrypts its stored ciphertext again, replacing the placeholder in place.
func (p *Processor) ReprocessUntrusted(ctx context.Context, messageID string) (Outcome, error) {
	row, err := p.db.GetMessage(messageID)
	if err != nil {
		return 0, fmt.Errorf("load message: %w", err)
	}
	if row == nil {
		return 0, fmt.Errorf("%w: %s", ErrMessageNotFound, messageID)
	}
	if row.Type != store.MessageTypeUntrustedIdentity {
		return 0, fmt.Errorf("%w: %s is %s", ErrNotUntrusted, messageID, row.Type)
	}

	// Sessions are kept for the primary device only.
	env := &models.Envelope{
		ID:           row.EnvelopeID,
		Type:         models.EnvelopeType(row.EnvelopeType),
		Source:       row.Peer,
		SourceDevice: 1,
		Content:      row.Ciphertext,
	}
	if err := p.engine.TrustIdentity(ctx, env); err != nil {
		return 0, fmt.Errorf("trust identity: %w", err)
	}
	res, err := p.engine.Decrypt(ctx, env)
	if err != nil {
		return 0, err
	}
	c := Classify(res)
	switch c.Outcome {
	case OutcomeUntrustedIdentity:
		return 0, fmt.Errorf("%w: %s", ErrStillUntrusted, row.Peer)
	case OutcomeContent:
		if err := p.db.UpdateMessageContent(row.ID, contentType(c.Content), c.Content.Body); err != nil {
			return 0, fmt.Errorf("update message: %w", err)
		}
		if err := p.addAttachments(ctx, row.ID, c.Content.Attachments); err != nil {
			return 0, err
		}
		p.opts.Notifier.Notify(Event{Type: EventNewMessage, Peer: row.Peer, ThreadID: row.ThreadID, MessageID: row.ID})
	default:
		typ, ok := placeholderType(c.Outcome)
		if !ok {
			typ = store.MessageTypeDecryptFailed
		}
		if err := p.db.UpdateMessageContent(row.ID, typ, ""); err != nil {
			return 0, fmt.Errorf("update message: %w", err)
		}
	}
	if res.UsedPreKey && p.opts.FollowUps != nil {
		if err := p.opts.FollowUps.RefreshPreKeys(ctx); err != nil {
			slog.Warn("Processor.ReprocessUntrusted: failed to schedule prekey refresh", "error", err)
		}
	}
	slog.Info("Processor.ReprocessUntrusted: message reprocessed", "message_id", row.ID, "outcome", c.Outcome)
	return c.Outcome, nil
}

func threadOf(env *models.Envelope, c *models.Content) string {
	if c.Group != nil && c.Group.ID != "" {
		return c.Group.ID
	}
	return env.Source
}

func contentType(c *models.Content) store.MessageType {
	if len(c.Attachments) > 0 {
		return store.MessageTypeMedia
	}
	return store.MessageTypeText
}
