package llm

import (
	"strings"
	"sync"
)

// Stream is a finite, non-restartable sequence of deltas produced by one
// upstream exchange. Deltas arrive in upstream emission order and the channel
// is closed when the exchange ends, fails, or is closed by the consumer.
type Stream struct {
	// ID correlates the stream with upstream state: a response id for
	// stateless requests, a run id for session runs.
	ID string

	deltas <-chan Delta
	once   sync.Once
	abort  func()
}

// NewStream wraps a delta channel. abort is called at most once, from Close,
// and must stop the producer.
func NewStream(id string, deltas <-chan Delta, abort func()) *Stream {
	return &Stream{ID: id, deltas: deltas, abort: abort}
}

// Deltas returns the receive side of the stream.
func (s *Stream) Deltas() <-chan Delta {
	return s.deltas
}

// Close aborts the upstream exchange. It is safe to call more than once and
// after the stream has ended.
func (s *Stream) Close() {
	s.once.Do(func() {
		if s.abort != nil {
			s.abort()
		}
	})
}

// Collect drains the stream and returns the concatenated text. It returns the
// text received so far together with the error of a failed stream.
func Collect(s *Stream) (string, error) {
	defer s.Close()
	var b strings.Builder
	for d := range s.deltas {
		if d.Err != nil {
			return b.String(), d.Err
		}
		b.WriteString(d.Content)
	}
	return b.String(), nil
}

// StreamOf returns a stream that yields the given chunks in order. It is used
// by fakes and by providers that only support whole responses.
func StreamOf(id string, chunks ...string) *Stream {
	ch := make(chan Delta, len(chunks))
	for _, c := range chunks {
		ch <- Delta{Content: c}
	}
	close(ch)
	return NewStream(id, ch, nil)
}
