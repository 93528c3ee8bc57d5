// Package broadcast holds the single operator announcement slot.
package broadcast

import (
	"crypto/subtle"
	"sync"
	"time"
)

// Message is the announcement record. The zero value is the cleared slot.
type Message struct {
	Text   string `json:"text"`
	From   string `json:"from"`
	TS     int64  `json:"ts"`
	Active bool   `json:"active"`
}

// Slot is one process-wide announcement. Writes replace it wholesale.
type Slot struct {
	secret string
	now    func() time.Time

	mu      sync.RWMutex
	msg     Message
	onWrite []func(Message)
}

// NewSlot returns an empty Slot. An empty secret disables the shared-secret
// write path.
func NewSlot(secret string, now func() time.Time) *Slot {
	if now == nil {
		now = time.Now
	}
	return &Slot{secret: secret, now: now}
}

// Read returns the current message.
func (s *Slot) Read() Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.msg
}

// Write replaces the message and returns it. Active is set when text is
// non-empty. Hooks registered with OnWrite run after the lock is released.
func (s *Slot) Write(text, from string) Message {
	msg := Message{
		Text:   text,
		From:   from,
		TS:     s.now().Unix(),
		Active: text != "",
	}
	s.mu.Lock()
	s.msg = msg
	hooks := append([]func(Message){}, s.onWrite...)
	s.mu.Unlock()

	for _, fn := range hooks {
		fn(msg)
	}
	return msg
}

// Clear resets the slot to the zero value.
func (s *Slot) Clear() {
	s.mu.Lock()
	s.msg = Message{}
	s.mu.Unlock()
}

// SecretMatches reports whether candidate equals the configured admin secret.
func (s *Slot) SecretMatches(candidate string) bool {
	if s.secret == "" || candidate == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(s.secret), []byte(candidate)) == 1
}

// OnWrite registers fn to be called with every written message.
func (s *Slot) OnWrite(fn func(Message)) {
	s.mu.Lock()
	s.onWrite = append(s.onWrite, fn)
	s.mu.Unlock()
}
