package agent

import (
	"context"
	"errors"
	"sync"
	"time"

	"transitbot/internal/llm"
)

// ErrSessionExists is returned by session backends that report an existing
// session as a conflict. The runner treats it as success: session creation
// is idempotent by contract.
var ErrSessionExists = errors.New("session already exists")

// SessionService owns conversational sessions keyed by a stable per-user
// identity. The runner holds only identities, never session internals.
type SessionService interface {
	// EnsureSession creates the session for identity if absent. Calling it
	// again for an existing identity must not error and must not duplicate.
	EnsureSession(ctx context.Context, identity string) error
	// History returns the transcript accumulated for identity.
	History(identity string) []llm.Message
	// SetHistory replaces the transcript for identity after a completed turn.
	SetHistory(identity string, history []llm.Message)
}

type session struct {
	identity  string
	createdAt time.Time
	history   []llm.Message
}

// InMemorySessionService keeps sessions in process memory for the lifetime
// of the bot, mirroring the reasoning runtime's own in-memory session store.
type InMemorySessionService struct {
	mu       sync.Mutex
	sessions map[string]*session
}

// NewInMemorySessionService creates an empty session store.
func NewInMemorySessionService() *InMemorySessionService {
	return &InMemorySessionService{sessions: make(map[string]*session)}
}

// EnsureSession lazily creates the session for identity. Idempotent.
func (s *InMemorySessionService) EnsureSession(_ context.Context, identity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[identity]; ok {
		return nil
	}
	s.sessions[identity] = &session{identity: identity, createdAt: time.Now()}
	return nil
}

// History returns a copy of the transcript for identity.
func (s *InMemorySessionService) History(identity string) []llm.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[identity]
	if !ok {
		return nil
	}
	out := make([]llm.Message, len(sess.history))
	copy(out, sess.history)
	return out
}

// SetHistory replaces the transcript for identity.
func (s *InMemorySessionService) SetHistory(identity string, history []llm.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[identity]
	if !ok {
		sess = &session{identity: identity, createdAt: time.Now()}
		s.sessions[identity] = sess
	}
	sess.history = history
}

// Count returns the number of live sessions.
func (s *InMemorySessionService) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
