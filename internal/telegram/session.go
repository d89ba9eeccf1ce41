package telegram

import (
	"sync"

	"github.com/example/deepsight/internal/aggregator"
)

// State is the position of a chat in the dialogue.
type State string

const (
	StateIdle          State = "idle"
	StateAwaitingPhoto State = "awaiting_photo"
	StateProcessing    State = "processing"
)

// Session holds the per-chat settings.
type Session struct {
	ChatID int64
	Mode   aggregator.Mode
	State  State
}

// SessionStore keeps sessions in memory, keyed by chat.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[int64]Session
}

// NewSessionStore creates an empty store.
func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[int64]Session)}
}

// Get returns the chat's session, or a fresh one in two-eye mode.
func (s *SessionStore) Get(chatID int64) Session {
	s.mu.RLock()
	session, ok := s.sessions[chatID]
	s.mu.RUnlock()
	if ok {
		return session
	}
	return Session{ChatID: chatID, Mode: aggregator.ModeTwoEyes, State: StateIdle}
}

// SetMode stores the eye mode and waits for a photo.
func (s *SessionStore) SetMode(chatID int64, mode aggregator.Mode) {
	s.update(chatID, func(session *Session) {
		session.Mode = mode
		session.State = StateAwaitingPhoto
	})
}

// SetState moves the chat to state.
func (s *SessionStore) SetState(chatID int64, state State) {
	s.update(chatID, func(session *Session) {
		session.State = state
	})
}

// TryBeginProcessing marks the chat as processing unless it already is.
func (s *SessionStore) TryBeginProcessing(chatID int64) bool {
	started := false
	s.update(chatID, func(session *Session) {
		if session.State == StateProcessing {
			return
		}
		session.State = StateProcessing
		started = true
	})
	return started
}

func (s *SessionStore) update(chatID int64, fn func(*Session)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[chatID]
	if !ok {
		session = Session{ChatID: chatID, Mode: aggregator.ModeTwoEyes, State: StateIdle}
	}
	fn(&session)
	s.sessions[chatID] = session
}
