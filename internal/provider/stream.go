package provider

import (
	"errors"
	"io"
	"sync"

	"github.com/felipepmaragno/llm-gateway/internal/domain"
)

// Stream is a lazy, finite, non-restartable sequence of chunks. The producer
// runs only inside Next, so the consumer sets the pace and nothing is read
// ahead of it.
//
//	for s.Next() {
//		fmt.Print(s.Chunk().Delta)
//	}
//	if err := s.Err(); err != nil { ... }
//
// The underlying resources are released when Next returns false and on
// Close, whichever comes first.
type Stream struct {
	next   func() (domain.StreamChunk, error)
	closer func() error

	chunk domain.StreamChunk
	err   error
	done  bool

	closeOnce sync.Once
	closeErr  error
}

// NewStream builds a stream from a producer. next returns io.EOF at the end
// of the sequence. closer may be nil.
func NewStream(next func() (domain.StreamChunk, error), closer func() error) *Stream {
	return &Stream{next: next, closer: closer}
}

// Next advances to the next chunk. It returns false at the end of the stream
// or on error; Err distinguishes the two.
func (s *Stream) Next() bool {
	if s.done {
		return false
	}

	chunk, err := s.next()
	if err != nil {
		s.done = true
		if !errors.Is(err, io.EOF) {
			s.err = err
		}
		_ = s.Close()
		return false
	}

	s.chunk = chunk
	return true
}

func (s *Stream) Chunk() domain.StreamChunk {
	return s.chunk
}

func (s *Stream) Err() error {
	return s.err
}

// Close releases the stream. It is safe to call more than once.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.done = true
		if s.closer != nil {
			s.closeErr = s.closer()
		}
	})
	return s.closeErr
}

// Collect drains s and returns the concatenated deltas.
func Collect(s *Stream) (string, error) {
	defer s.Close()

	var out []byte
	for s.Next() {
		out = append(out, s.Chunk().Delta...)
	}
	return string(out), s.Err()
}
