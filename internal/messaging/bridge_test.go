package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/BTreeMap/Courier/internal/models"
)

type recordingSink struct {
	envelopes []models.Envelope
	err       error
}

func (s *recordingSink) OnEnvelopeReceived(ctx context.Context, env models.Envelope) error {
	if s.err != nil {
		return s.err
	}
	s.envelopes = append(s.envelopes, env)
	return nil
}

type recordingConn struct {
	states []bool
}

func (c *recordingConn) SetAvailable(available bool) {
	c.states = append(c.states, available)
}

func messageInfo(id string) types.MessageInfo {
	return types.MessageInfo{
		MessageSource: types.MessageSource{
			Sender: types.NewJID("15551234567", types.DefaultUserServer),
			Chat:   types.NewJID("15551234567", types.DefaultUserServer),
		},
		ID:        id,
		Timestamp: time.UnixMilli(1700000000000),
	}
}

func TestBridge_TextMessage(t *testing.T) {
	sink, conn := &recordingSink{}, &recordingConn{}
	b := NewBridge(context.Background(), sink, conn)

	b.HandleEvent(&events.Message{
		Info:    messageInfo("MSG1"),
		Message: &waE2E.Message{Conversation: proto.String("hello\n[attachment photo.jpg] attachments/a1")},
	})

	if len(sink.envelopes) != 1 {
		t.Fatalf("expected 1 envelope, got %d", len(sink.envelopes))
	}
	env := sink.envelopes[0]
	if env.ID != "MSG1" || env.Type != models.EnvelopeTypePlaintext || env.Source != "+15551234567" {
		t.Errorf("unexpected envelope %+v", env)
	}
	if env.Timestamp != 1700000000000 {
		t.Errorf("timestamp = %d", env.Timestamp)
	}
	var c models.Content
	if err := json.Unmarshal(env.Content, &c); err != nil {
		t.Fatalf("content is not JSON: %v", err)
	}
	if c.Body != "hello" || len(c.Attachments) != 1 || c.Attachments[0].RemoteKey != "attachments/a1" {
		t.Errorf("content = %+v", c)
	}
	if c.Group != nil {
		t.Error("direct message must not carry a group context")
	}
}

func TestBridge_ExtendedTextAndGroup(t *testing.T) {
	sink := &recordingSink{}
	b := NewBridge(context.Background(), sink, &recordingConn{})

	info := messageInfo("MSG2")
	info.IsGroup = true
	info.Chat = types.NewJID("120363000000000000", types.GroupServer)
	b.HandleEvent(&events.Message{
		Info:    info,
		Message: &waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{Text: proto.String("group hi")}},
	})

	if len(sink.envelopes) != 1 {
		t.Fatalf("expected 1 envelope, got %d", len(sink.envelopes))
	}
	var c models.Content
	if err := json.Unmarshal(sink.envelopes[0].Content, &c); err != nil {
		t.Fatalf("content is not JSON: %v", err)
	}
	if c.Group == nil || c.Group.Type != models.GroupContextDeliver || c.Group.ID != info.Chat.String() {
		t.Errorf("group context = %+v", c.Group)
	}
}

func TestBridge_SkipsOwnAndNonTextMessages(t *testing.T) {
	sink := &recordingSink{}
	b := NewBridge(context.Background(), sink, &recordingConn{})

	own := messageInfo("MINE")
	own.IsFromMe = true
	b.HandleEvent(&events.Message{Info: own, Message: &waE2E.Message{Conversation: proto.String("echo")}})
	b.HandleEvent(&events.Message{Info: messageInfo("IMG"), Message: &waE2E.Message{}})
	b.HandleEvent(&events.Message{Info: messageInfo("NIL")})

	if len(sink.envelopes) != 0 {
		t.Errorf("expected no envelopes, got %+v", sink.envelopes)
	}
}

func TestBridge_Undecryptable(t *testing.T) {
	sink := &recordingSink{}
	b := NewBridge(context.Background(), sink, &recordingConn{})

	b.HandleEvent(&events.UndecryptableMessage{Info: messageInfo("BAD")})
	if len(sink.envelopes) != 1 {
		t.Fatalf("expected 1 envelope, got %d", len(sink.envelopes))
	}
	env := sink.envelopes[0]
	if env.Type != models.EnvelopeTypeCiphertext || len(env.Content) != 0 {
		t.Errorf("unexpected envelope %+v", env)
	}
}

func TestBridge_Connectivity(t *testing.T) {
	conn := &recordingConn{}
	b := NewBridge(context.Background(), &recordingSink{}, conn)

	b.HandleEvent(&events.Connected{})
	b.HandleEvent(&events.Disconnected{})
	b.HandleEvent(&events.Connected{})
	b.HandleEvent(&events.LoggedOut{})

	want := []bool{true, false, true, false}
	if len(conn.states) != len(want) {
		t.Fatalf("states = %v, want %v", conn.states, want)
	}
	for i := range want {
		if conn.states[i] != want[i] {
			t.Errorf("states[%d] = %v, want %v", i, conn.states[i], want[i])
		}
	}
}

func TestBridge_SinkErrorIsLogged(t *testing.T) {
	sink := &recordingSink{err: errors.New("disk full")}
	b := NewBridge(context.Background(), sink, &recordingConn{})
	// Must not panic.
	b.HandleEvent(&events.Message{Info: messageInfo("X"), Message: &waE2E.Message{Conversation: proto.String("x")}})
	b.HandleEvent(&events.Receipt{})
}
