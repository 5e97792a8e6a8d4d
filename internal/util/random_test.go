package util

import (
	"strings"
	"testing"
)

func TestNewID(t *testing.T) {
	tests := []struct {
		name   string
		gen    func() string
		prefix string
	}{
		{name: "job ID format", gen: NewJobID, prefix: JobIDPrefix},
		{name: "message ID format", gen: NewMessageID, prefix: MessageIDPrefix},
		{name: "attachment ID format", gen: NewAttachmentID, prefix: AttachmentIDPrefix},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.gen()
			if !strings.HasPrefix(got, tt.prefix) {
				t.Errorf("got %q, want prefix %q", got, tt.prefix)
			}
			// 32 hex characters from a UUID without dashes
			if len(got) != len(tt.prefix)+32 {
				t.Errorf("got length %d, want %d", len(got), len(tt.prefix)+32)
			}
			if strings.Contains(got, "-") {
				t.Errorf("ID %q should not contain dashes", got)
			}
		})
	}
}

func TestNewIDUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewJobID()
		if seen[id] {
			t.Fatalf("duplicate ID generated: %s", id)
		}
		seen[id] = true
	}
}
