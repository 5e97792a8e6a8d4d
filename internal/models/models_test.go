package models

import (
	"errors"
	"testing"
)

func TestSendRequestValidate(t *testing.T) {
	tests := []struct {
		name    string
		req     SendRequest
		wantErr error
	}{
		{"missing recipient", SendRequest{Body: "hi"}, ErrEmptyRecipient},
		{"empty message", SendRequest{To: "+1"}, ErrEmptyMessage},
		{"attachment without path", SendRequest{To: "+1", Attachments: []OutgoingAttachment{{}}}, ErrEmptyAttachment},
		{"valid text", SendRequest{To: "+1", Body: "hi"}, nil},
		{"recipient and group", SendRequest{To: "+1", GroupID: "g1", Body: "hi"}, ErrRecipientAndGroup},
		{"valid group", SendRequest{GroupID: "g1", Body: "hi"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestSendRequestDefaultsThread(t *testing.T) {
	r := SendRequest{To: "+15550001", Body: "hello"}
	if err := r.Validate(); err != nil {
		t.Fatalf("Validate() failed: %v", err)
	}
	if r.ThreadID != "+15550001" {
		t.Errorf("expected thread to default to recipient, got %q", r.ThreadID)
	}
}

func TestSendRequestGroupThread(t *testing.T) {
	r := SendRequest{GroupID: "g1", ThreadID: "other", Body: "hello"}
	if err := r.Validate(); err != nil {
		t.Fatalf("Validate() failed: %v", err)
	}
	if r.ThreadID != "g1" {
		t.Errorf("expected group send to use the group thread, got %q", r.ThreadID)
	}
}

func TestDecodeContent(t *testing.T) {
	c, err := DecodeContent([]byte(`{"group":{"id":"g1","type":"update","revision":3}}`))
	if err != nil {
		t.Fatalf("DecodeContent failed: %v", err)
	}
	if !c.IsGroupControl() {
		t.Error("expected group update to be group control")
	}
	if c.IsEmpty() {
		t.Error("group update should not be empty")
	}

	if _, err := DecodeContent([]byte("not json")); err == nil {
		t.Error("expected error for malformed content")
	}

	empty, err := DecodeContent([]byte(`{}`))
	if err != nil {
		t.Fatalf("DecodeContent failed: %v", err)
	}
	if !empty.IsEmpty() {
		t.Error("expected empty content")
	}
}

func TestEnvelopeValidate(t *testing.T) {
	e := Envelope{Source: "+1"}
	if !errors.Is(e.Validate(), ErrEmptyEnvelopeID) {
		t.Error("expected ErrEmptyEnvelopeID")
	}
	e = Envelope{ID: "env-1"}
	if !errors.Is(e.Validate(), ErrEmptySource) {
		t.Error("expected ErrEmptySource")
	}
}

func TestErrorResponse(t *testing.T) {
	r := Error("boom")
	if r.Status != string(APIStatusError) || r.Message != "boom" {
		t.Errorf("unexpected response: %+v", r)
	}
}
