package completion

import (
	"time"
)

// Kind tags a CompletionOutcome. Exactly one kind holds per provider attempt.
type Kind int

const (
	KindSuccess Kind = iota
	KindEmpty
	KindRateLimited
	KindTransportError
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindEmpty:
		return "empty"
	case KindRateLimited:
		return "rate_limited"
	case KindTransportError:
		return "transport_error"
	}
	return "unknown"
}

// Outcome is the classified result of sending a history to one provider.
type Outcome struct {
	Kind Kind

	// Content is set for KindSuccess.
	Content string
	// ResetAt is the upstream reset instant for KindRateLimited, nil when unknown.
	ResetAt *time.Time
	// Err is the last cause for KindTransportError.
	Err error

	Attempts     int
	Model        string
	InputTokens  int
	OutputTokens int
	Latency      time.Duration
}

func Success(content string) Outcome {
	return Outcome{Kind: KindSuccess, Content: content}
}

func Empty() Outcome {
	return Outcome{Kind: KindEmpty}
}

func RateLimited(resetAt *time.Time) Outcome {
	return Outcome{Kind: KindRateLimited, ResetAt: resetAt}
}

func TransportError(cause error) Outcome {
	return Outcome{Kind: KindTransportError, Err: cause}
}
