// Package stream fans revocation events out to live subscribers so relying
// services can drop cached tokens without polling.
package stream

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"tokengate.org/internal/auth"
)

// Event is one revocation as seen by subscribers. Only the digest of the
// token is published.
type Event struct {
	TokenDigest string     `json:"token_digest"`
	TokenID     string     `json:"token_id,omitempty"`
	Subject     string     `json:"sub,omitempty"`
	RevokedAt   time.Time  `json:"revoked_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// Stream fans events out to all active subscribers.
type Stream struct {
	mu      sync.RWMutex
	subs    map[int]chan Event
	next    int
	buffer  int
	dropped atomic.Uint64
}

// New returns an empty stream. buffer is the per-subscriber queue depth.
func New(buffer int) *Stream {
	if buffer <= 0 {
		buffer = 16
	}
	return &Stream{
		subs:   make(map[int]chan Event),
		buffer: buffer,
	}
}

// Subscribe registers a subscriber. The channel is closed when ctx ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, s.buffer)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish delivers evt to every subscriber.
func (s *Stream) Publish(evt Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- evt:
		default:
			// slow subscriber
			s.dropped.Add(1)
		}
	}
}

// TokenRevoked adapts auth revocations into published events.
func (s *Stream) TokenRevoked(r auth.RevokedToken) {
	evt := Event{
		TokenDigest: r.Digest,
		TokenID:     r.TokenID,
		Subject:     r.Subject,
		RevokedAt:   r.RevokedAt,
	}
	if !r.ExpiresAt.IsZero() {
		exp := r.ExpiresAt.UTC()
		evt.ExpiresAt = &exp
	}
	s.Publish(evt)
}

// Subscribers returns the number of active subscribers.
func (s *Stream) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// Dropped counts events discarded because a subscriber queue was full.
func (s *Stream) Dropped() uint64 { return s.dropped.Load() }
