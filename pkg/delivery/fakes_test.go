package delivery

import (
	"context"
	"sync"

	"github.com/outboxrelay/outbox/pkg/outbox"
)

// memSession is an in-memory Session used by every fake store below. It
// only tracks whether it was finalized, since memStore applies writes
// eagerly rather than buffering them for Commit.
type memSession struct {
	committed  bool
	rolledback bool
}

func (s *memSession) Commit(ctx context.Context) error {
	s.committed = true
	return nil
}

func (s *memSession) Rollback(ctx context.Context) error {
	s.rolledback = true
	return nil
}

// memStore is an in-memory StateStore fake shared by the statemachine,
// worker, and dispatcher tests. forceLockFailureOnce lets a test simulate a
// lock-token CAS loss on exactly one LockState call.
type memStore struct {
	mu sync.Mutex

	states   map[outbox.OutboxID]outbox.OutboxState
	messages []outbox.OutboxMessage

	lockToken            bool
	forceLockFailureOnce bool
}

func newMemStore() *memStore {
	return &memStore{states: map[outbox.OutboxID]outbox.OutboxState{}}
}

func (s *memStore) BeginSession(ctx context.Context, level IsolationLevel) (Session, error) {
	return &memSession{}, nil
}

func (s *memStore) LockState(ctx context.Context, sess Session, id outbox.OutboxID) (*outbox.OutboxState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.forceLockFailureOnce {
		s.forceLockFailureOnce = false
		st := s.states[id]
		return &st, false, nil
	}

	st, ok := s.states[id]
	if !ok {
		return nil, true, nil
	}

	cp := st
	return &cp, true, nil
}

func (s *memStore) InsertState(ctx context.Context, sess Session, state outbox.OutboxState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.states[state.OutboxID] = state
	return nil
}

func (s *memStore) ReplaceState(ctx context.Context, sess Session, state outbox.OutboxState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.states[state.OutboxID]
	if ok && existing.Version != state.Version-1 {
		return ErrStaleVersion
	}

	s.states[state.OutboxID] = state
	return nil
}

func (s *memStore) DeleteState(ctx context.Context, sess Session, id outbox.OutboxID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.states, id)
	return nil
}

func (s *memStore) LoadPendingMessages(ctx context.Context, sess Session, id outbox.OutboxID, since int64, limit int) ([]outbox.OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []outbox.OutboxMessage
	for _, m := range s.messages {
		if m.OutboxID != id || m.SequenceNumber <= since {
			continue
		}
		out = append(out, m)
		if len(out) >= limit {
			break
		}
	}

	return out, nil
}

func (s *memStore) DeleteMessage(ctx context.Context, sess Session, id outbox.MessageID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, m := range s.messages {
		if m.MessageID == id {
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
			return nil
		}
	}

	return nil
}

func (s *memStore) DeleteMessagesForOutbox(ctx context.Context, sess Session, id outbox.OutboxID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	kept := s.messages[:0]
	for _, m := range s.messages {
		if m.OutboxID == id {
			deleted++
			continue
		}
		kept = append(kept, m)
	}
	s.messages = kept
	return deleted, nil
}

func (s *memStore) ListPendingOutboxIDs(ctx context.Context, limit int) ([]outbox.OutboxID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := map[outbox.OutboxID]bool{}
	var out []outbox.OutboxID
	for _, m := range s.messages {
		if !seen[m.OutboxID] {
			seen[m.OutboxID] = true
			out = append(out, m.OutboxID)
		}
	}
	for id, st := range s.states {
		if !seen[id] && st.IsDelivered() {
			seen[id] = true
			out = append(out, id)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}

	return out, nil
}

func (s *memStore) SupportsAttemptRetry() bool {
	return s.lockToken
}

// memEndpoint is the fake Bus's Endpoint.
type memEndpoint string

func (e memEndpoint) Address() string { return string(e) }

// memBus is an in-memory Bus fake. failNextSend, when set, makes exactly
// one subsequent Send call fail.
type memBus struct {
	mu   sync.Mutex
	sent []Envelope
	call int

	failNextSend bool
	failAtCall   int
	unhealthy    bool
}

// failNextSendAfterFirst makes the n-th Send call (1-indexed) fail.
func (b *memBus) failNextSendAfterFirst(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failAtCall = n
}

func (b *memBus) ResolveEndpoint(ctx context.Context, address string) (Endpoint, error) {
	return memEndpoint(address), nil
}

func (b *memBus) Send(ctx context.Context, endpoint Endpoint, env Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.call++

	if b.failNextSend {
		b.failNextSend = false
		return ErrBusUnavailable
	}

	if b.failAtCall != 0 && b.call == b.failAtCall {
		return ErrBusUnavailable
	}

	b.sent = append(b.sent, env)
	return nil
}

func (b *memBus) HealthCheck(ctx context.Context) error {
	if b.unhealthy {
		return ErrBusUnavailable
	}
	return nil
}

func (b *memBus) Close() error { return nil }
