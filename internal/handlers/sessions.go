package handlers

import (
	"sync"
	"time"

	"github.com/MegaGrindStone/streamchat/internal/client"
)

// session is one browser tab's conversation. pending holds a turn accepted by HandleChats whose SSE
// subscriber has not connected yet; running is set from the moment that turn is taken until it ends.
type session struct {
	id     string
	client Client

	mu        sync.Mutex
	running   bool
	pendingID string
	pending   string
	pendingAt time.Time
}

type sessionStore struct {
	mu        sync.Mutex
	byID      map[string]*session
	byMessage map[string]*session
}

// A pending turn whose subscriber never showed up stops blocking its session after this long.
const pendingTTL = time.Minute

func newSessionStore() *sessionStore {
	return &sessionStore{
		byID:      make(map[string]*session),
		byMessage: make(map[string]*session),
	}
}

func (s *sessionStore) get(id string) (*session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.byID[id]
	return sess, ok
}

func (s *sessionStore) add(id string, c Client) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := &session{id: id, client: c}
	s.byID[id] = sess
	return sess
}

// enqueue records text as the session's next turn, to be started once messageID is subscribed to.
func (s *sessionStore) enqueue(sess *session, messageID, text string) error {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.pendingID != "" && time.Since(sess.pendingAt) < pendingTTL {
		return client.ErrBusy
	}
	if sess.running || sess.client.Busy() {
		return client.ErrBusy
	}

	s.mu.Lock()
	delete(s.byMessage, sess.pendingID)
	s.byMessage[messageID] = sess
	s.mu.Unlock()

	sess.pendingID = messageID
	sess.pending = text
	sess.pendingAt = time.Now()
	return nil
}

// takePending removes and returns the turn waiting for messageID's subscriber.
func (s *sessionStore) takePending(messageID string) (*session, string, bool) {
	s.mu.Lock()
	sess, ok := s.byMessage[messageID]
	delete(s.byMessage, messageID)
	s.mu.Unlock()
	if !ok {
		return nil, "", false
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.pendingID != messageID {
		return nil, "", false
	}
	text := sess.pending
	sess.pendingID = ""
	sess.pending = ""
	sess.running = true
	return sess, text, true
}

func (sess *session) finish() {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.running = false
}

func (sess *session) busy() bool {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.running || sess.client.Busy() || (sess.pendingID != "" && time.Since(sess.pendingAt) < pendingTTL)
}

// discardPending drops a turn that has not started yet.
func (s *sessionStore) discardPending(sess *session) {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	s.mu.Lock()
	delete(s.byMessage, sess.pendingID)
	s.mu.Unlock()

	sess.pendingID = ""
	sess.pending = ""
}
