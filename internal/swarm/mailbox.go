package swarm

import "sync"

// Note is one inter-agent message inside a swarm.
type Note struct {
	From    string `json:"from"`
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Mailbox is the per-swarm channel agents use to share findings.
// Waves read everything posted by earlier waves.
type Mailbox struct {
	mu    sync.RWMutex
	notes []Note
}

// NewMailbox creates an empty mailbox.
func NewMailbox() *Mailbox { return &Mailbox{} }

// Post appends a note.
func (m *Mailbox) Post(note Note) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notes = append(m.notes, note)
}

// Notes returns a copy of everything posted so far.
func (m *Mailbox) Notes() []Note {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Note, len(m.notes))
	copy(out, m.notes)
	return out
}
