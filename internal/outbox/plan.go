package outbox

import (
	"github.com/matheus3301/wabridge/internal/failure"
	"github.com/matheus3301/wabridge/internal/store"
)

// Outcome names the way a send request is carried out.
type Outcome int

const (
	PlainText Outcome = iota + 1
	MediaWithCaption
	QuotedReply
	ReplyFallback
	Forward
	ForwardFallback
)

func (o Outcome) String() string {
	switch o {
	case PlainText:
		return "plain_text"
	case MediaWithCaption:
		return "media_with_caption"
	case QuotedReply:
		return "quoted_reply"
	case ReplyFallback:
		return "reply_fallback"
	case Forward:
		return "forward"
	case ForwardFallback:
		return "forward_fallback"
	default:
		return "unknown"
	}
}

// Decision is the planned outcome plus the referenced message, if found.
type Decision struct {
	Outcome Outcome
	Ref     *store.Message
}

// Finder looks up a message by id among the recent history of the target
// chat (or of any chat, for forwards).
type Finder func(messageID string, anyChat bool) (store.Message, bool)

// Plan picks the outcome for a request. A forward wins over a reply. A reply
// whose reference is gone degrades to a plain send; a forward whose
// reference is gone degrades to sending the request text, and fails with
// NotFound when there is none.
func Plan(req SendRequest, find Finder) (Decision, error) {
	hasText := req.Text != ""
	hasMedia := req.Media != nil

	if req.ForwardFrom != "" {
		if hasMedia {
			return Decision{}, failure.New(failure.InvalidRequest, "forward cannot carry media")
		}
		if ref, ok := find(req.ForwardFrom, true); ok {
			return Decision{Outcome: Forward, Ref: &ref}, nil
		}
		if !hasText {
			return Decision{}, failure.New(failure.NotFound, "message %s not found in recent history", req.ForwardFrom)
		}
		return Decision{Outcome: ForwardFallback}, nil
	}

	if !hasText && !hasMedia {
		return Decision{}, failure.New(failure.InvalidRequest, "message or media is required")
	}

	if req.ReplyTo != "" {
		if ref, ok := find(req.ReplyTo, false); ok {
			return Decision{Outcome: QuotedReply, Ref: &ref}, nil
		}
		return Decision{Outcome: ReplyFallback}, nil
	}
	if hasMedia {
		return Decision{Outcome: MediaWithCaption}, nil
	}
	return Decision{Outcome: PlainText}, nil
}
