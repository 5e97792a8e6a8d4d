// Package pipeline turns received envelopes into conversation state.
//
// Envelopes are stored on receipt and handed to a DecryptJob on the __PUSH_DECRYPT__ queue.
// The job decrypts through crypto.Engine, classifies the result into exactly one Outcome and
// applies it: message rows, placeholders, group state, follow-up jobs and notifications.
package pipeline

import (
	"fmt"

	"github.com/BTreeMap/Courier/internal/crypto"
	"github.com/BTreeMap/Courier/internal/models"
	"github.com/BTreeMap/Courier/internal/store"
)

// Outcome is the classification of one processed envelope.
type Outcome int

const (
	OutcomeDuplicate Outcome = iota
	OutcomeLegacy
	OutcomeNoSession
	OutcomeCorrupt
	OutcomeUntrustedIdentity
	OutcomeEndSession
	OutcomeGroupUpdate
	OutcomeContent
	OutcomeIgnored
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeLegacy:
		return "legacy"
	case OutcomeNoSession:
		return "no_session"
	case OutcomeCorrupt:
		return "corrupt"
	case OutcomeUntrustedIdentity:
		return "untrusted_identity"
	case OutcomeEndSession:
		return "end_session"
	case OutcomeGroupUpdate:
		return "group_update"
	case OutcomeContent:
		return "content"
	case OutcomeIgnored:
		return "ignored"
	default:
		return fmt.Sprintf("unknown(%d)", int(o))
	}
}

// Classification is an Outcome plus the decoded content it was derived from, if any.
type Classification struct {
	Outcome Outcome
	Content *models.Content // set for EndSession, GroupUpdate and Content
	Cause   error
}

// Classify maps a decrypt result to its outcome. It has no side effects.
func Classify(res crypto.Result) Classification {
	switch res.Kind {
	case crypto.ResultDuplicate:
		return Classification{Outcome: OutcomeDuplicate, Cause: res.Cause}
	case crypto.ResultLegacy:
		return Classification{Outcome: OutcomeLegacy, Cause: res.Cause}
	case crypto.ResultNoSession:
		return Classification{Outcome: OutcomeNoSession, Cause: res.Cause}
	case crypto.ResultCorrupt:
		return Classification{Outcome: OutcomeCorrupt, Cause: res.Cause}
	case crypto.ResultUntrustedIdentity:
		return Classification{Outcome: OutcomeUntrustedIdentity, Cause: res.Cause}
	case crypto.ResultPlaintext:
		return classifyContent(res.Plaintext)
	default:
		return Classification{Outcome: OutcomeCorrupt, Cause: fmt.Errorf("unhandled result kind %s", res.Kind)}
	}
}

func classifyContent(plaintext []byte) Classification {
	if len(plaintext) == 0 {
		return Classification{Outcome: OutcomeIgnored}
	}
	content, err := models.DecodeContent(plaintext)
	if err != nil {
		return Classification{Outcome: OutcomeCorrupt, Cause: err}
	}
	switch {
	case content.EndSession:
		return Classification{Outcome: OutcomeEndSession, Content: content}
	case content.IsGroupControl():
		return Classification{Outcome: OutcomeGroupUpdate, Content: content}
	case content.IsEmpty():
		return Classification{Outcome: OutcomeIgnored, Content: content}
	default:
		return Classification{Outcome: OutcomeContent, Content: content}
	}
}

// placeholderType is the message type stored for outcomes that produce a placeholder row.
func placeholderType(o Outcome) (store.MessageType, bool) {
	switch o {
	case OutcomeLegacy:
		return store.MessageTypeLegacy, true
	case OutcomeNoSession:
		return store.MessageTypeNoSession, true
	case OutcomeCorrupt:
		return store.MessageTypeDecryptFailed, true
	case OutcomeUntrustedIdentity:
		return store.MessageTypeUntrustedIdentity, true
	default:
		return "", false
	}
}
