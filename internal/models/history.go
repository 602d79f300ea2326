package models

import "sync"

// History is the ordered, append-only record of one conversation. It is safe for concurrent use, so
// a presentation layer may read it while a reply is streaming into it.
type History struct {
	mu       sync.RWMutex
	messages []Message
}

// NewHistory returns a History seeded with the given messages.
func NewHistory(messages ...Message) *History {
	h := &History{}
	h.messages = append(h.messages, messages...)
	return h
}

// Append adds a message at the end of the history.
func (h *History) Append(msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, msg)
}

// Messages returns a copy of the history.
func (h *History) Messages() []Message {
	h.mu.RLock()
	defer h.mu.RUnlock()
	msgs := make([]Message, len(h.messages))
	copy(msgs, h.messages)
	return msgs
}

// Len returns the number of messages in the history.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.messages)
}

// Reset drops every message.
func (h *History) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = nil
}
