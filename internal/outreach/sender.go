package outreach

import (
	"context"
	"sync"
)

// EmailSender is the transport contract. Implementations must return an
// error on any delivery failure; the scheduler owns retries.
type EmailSender interface {
	Send(ctx context.Context, to, subject, body string) error
}

// SentEmail is one delivery captured by RecordingSender.
type SentEmail struct {
	To      string
	Subject string
	Body    string
}

// RecordingSender captures sends in memory. It backs tests and dry runs,
// and can be primed to fail a set number of times.
type RecordingSender struct {
	mu       sync.Mutex
	sent     []SentEmail
	failures int
	failErr  error
}

// FailNext makes the following n sends return err.
func (s *RecordingSender) FailNext(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = n
	s.failErr = err
}

func (s *RecordingSender) Send(ctx context.Context, to, subject, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return s.failErr
	}
	s.sent = append(s.sent, SentEmail{To: to, Subject: subject, Body: body})
	return nil
}

// Sent returns a copy of everything delivered so far.
func (s *RecordingSender) Sent() []SentEmail {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SentEmail, len(s.sent))
	copy(out, s.sent)
	return out
}
