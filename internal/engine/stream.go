package engine

import "context"

// FinishReason tells why a generation stream ended.
type FinishReason string

const (
	FinishLength   FinishReason = "length"
	FinishStop     FinishReason = "stop"
	FinishCanceled FinishReason = "canceled"
	FinishError    FinishReason = "error"
)

// Token is one step of a generation stream.
type Token struct {
	ID       int  `json:"id"`
	Position int  `json:"position"`
	Final    bool `json:"final"`
}

// Result carries the terminal state of a stream. Err is set only when
// Reason is FinishError; cancellation is a clean finish, not an error.
type Result struct {
	Reason    FinishReason `json:"finish_reason"`
	TokenIDs  []int        `json:"token_ids"`
	Err       error        `json:"-"`
	ErrString string       `json:"error,omitempty"`
}

// Stream delivers generated tokens as they are sampled. Tokens must be
// drained; the producer blocks on an unread channel. Result is readable
// after Tokens closes.
type Stream struct {
	tokens chan Token
	result Result
	done   chan struct{}
}

func newStream(buffer int) *Stream {
	return &Stream{
		tokens: make(chan Token, buffer),
		done:   make(chan struct{}),
	}
}

// Tokens is the receive side of the stream. Closed when generation ends.
func (s *Stream) Tokens() <-chan Token { return s.tokens }

// Result blocks until the stream has finished, then reports how.
func (s *Stream) Result() Result {
	<-s.done
	return s.result
}

// emit delivers one token, honoring cancellation while the consumer is slow.
func (s *Stream) emit(ctx context.Context, t Token) bool {
	select {
	case s.tokens <- t:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Stream) finish(r Result) {
	if r.Err != nil {
		r.ErrString = r.Err.Error()
	}
	s.result = r
	close(s.tokens)
	close(s.done)
}
