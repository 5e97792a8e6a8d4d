// Package messaging connects the WhatsApp client's event stream to Courier.
//
// Bridge turns whatsmeow events into envelopes for the receive pipeline and connection
// events into network availability for the job manager.
package messaging

import (
	"context"
	"encoding/json"
	"log/slog"

	"go.mau.fi/whatsmeow/types/events"

	"github.com/BTreeMap/Courier/internal/models"
	"github.com/BTreeMap/Courier/internal/whatsapp"
)

// EnvelopeSink accepts received envelopes. pipeline.Receiver implements it.
type EnvelopeSink interface {
	OnEnvelopeReceived(ctx context.Context, env models.Envelope) error
}

// Connectivity receives connection state. network.Monitor implements it.
type Connectivity interface {
	SetAvailable(available bool)
}

// Bridge forwards whatsmeow events.
type Bridge struct {
	ctx  context.Context
	sink EnvelopeSink
	conn Connectivity
}

// NewBridge creates a Bridge. ctx bounds the envelope writes made from event callbacks.
func NewBridge(ctx context.Context, sink EnvelopeSink, conn Connectivity) *Bridge {
	return &Bridge{ctx: ctx, sink: sink, conn: conn}
}

// Attach registers the bridge as an event handler of the WhatsApp client.
func (b *Bridge) Attach(client *whatsapp.Client) {
	wa := client.GetClient()
	if wa == nil {
		slog.Error("Bridge.Attach: no client available")
		return
	}
	wa.AddEventHandler(b.HandleEvent)
	b.conn.SetAvailable(wa.IsConnected())
	slog.Debug("Bridge.Attach: event handler registered")
}

// HandleEvent dispatches one whatsmeow event.
func (b *Bridge) HandleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Message:
		b.handleMessage(v)
	case *events.UndecryptableMessage:
		b.handleUndecryptable(v)
	case *events.Connected:
		b.conn.SetAvailable(true)
	case *events.Disconnected, *events.StreamReplaced, *events.LoggedOut:
		b.conn.SetAvailable(false)
	default:
		slog.Debug("Bridge.HandleEvent: ignoring event", "type", eventType(v))
	}
}

func (b *Bridge) handleMessage(evt *events.Message) {
	if evt.Message == nil || evt.Info.IsFromMe {
		return
	}

	var text string
	if evt.Message.Conversation != nil {
		text = evt.Message.GetConversation()
	} else if evt.Message.ExtendedTextMessage != nil && evt.Message.ExtendedTextMessage.Text != nil {
		text = evt.Message.ExtendedTextMessage.GetText()
	} else {
		slog.Debug("Bridge.handleMessage: ignoring non-text message", "from", evt.Info.Sender.String())
		return
	}

	body, atts := whatsapp.ParseBody(text)
	content := models.Content{Body: body, Attachments: atts}
	if evt.Info.IsGroup {
		content.Group = &models.GroupContext{ID: evt.Info.Chat.String(), Type: models.GroupContextDeliver}
	}
	plaintext, err := json.Marshal(content)
	if err != nil {
		slog.Error("Bridge.handleMessage: encode content failed", "id", evt.Info.ID, "error", err)
		return
	}
	b.forward(models.Envelope{
		ID:           string(evt.Info.ID),
		Type:         models.EnvelopeTypePlaintext,
		Source:       whatsapp.SenderAddress(evt.Info.Sender),
		SourceDevice: uint32(evt.Info.Sender.Device),
		Timestamp:    evt.Info.Timestamp.UnixMilli(),
		Content:      plaintext,
	})
}

// handleUndecryptable records a message the client could not decrypt. The envelope carries
// no ciphertext, so the pipeline classifies it as corrupt.
func (b *Bridge) handleUndecryptable(evt *events.UndecryptableMessage) {
	slog.Warn("Bridge.handleUndecryptable: undecryptable message", "id", evt.Info.ID, "from", evt.Info.Sender.String(),
		"unavailable", evt.IsUnavailable)
	b.forward(models.Envelope{
		ID:           string(evt.Info.ID),
		Type:         models.EnvelopeTypeCiphertext,
		Source:       whatsapp.SenderAddress(evt.Info.Sender),
		SourceDevice: uint32(evt.Info.Sender.Device),
		Timestamp:    evt.Info.Timestamp.UnixMilli(),
	})
}

func (b *Bridge) forward(env models.Envelope) {
	if err := b.sink.OnEnvelopeReceived(b.ctx, env); err != nil {
		slog.Error("Bridge.forward: envelope not accepted", "id", env.ID, "source", env.Source, "error", err)
		return
	}
	slog.Debug("Bridge.forward: envelope accepted", "id", env.ID, "source", env.Source, "type", env.Type)
}

func eventType(evt interface{}) string {
	switch evt.(type) {
	case *events.Receipt:
		return "Receipt"
	case *events.Presence:
		return "Presence"
	case *events.ChatPresence:
		return "ChatPresence"
	case *events.HistorySync:
		return "HistorySync"
	default:
		return "Unknown"
	}
}
