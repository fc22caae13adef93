// Package memory provides the durable stores: per-session append-only
// history logs and the keyword-indexed long-term memory.
package memory

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/osa-agent/osa/pkg/models"
)

// ErrSessionNotFound is returned when resuming a session with no log.
var ErrSessionNotFound = errors.New("session not found")

// DefaultTailSize is how many entries stay in the in-memory tail.
const DefaultTailSize = 200

// SessionLog is an append-only JSONL store per session, with an
// in-memory tail for hot reads. Layout: <root>/sessions/<id>/history.jsonl.
type SessionLog struct {
	root     string
	tailSize int

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	tails map[string][]models.Message
}

// NewSessionLog creates a session log rooted at dir.
func NewSessionLog(root string) *SessionLog {
	return &SessionLog{
		root:     root,
		tailSize: DefaultTailSize,
		locks:    make(map[string]*sync.Mutex),
		tails:    make(map[string][]models.Message),
	}
}

func (l *SessionLog) sessionDir(sessionID string) string {
	return filepath.Join(l.root, "sessions", sessionID)
}

func (l *SessionLog) historyPath(sessionID string) string {
	return filepath.Join(l.sessionDir(sessionID), "history.jsonl")
}

// lock returns the per-session mutex, creating it on first use.
func (l *SessionLog) lock(sessionID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[sessionID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[sessionID] = m
	}
	return m
}

// Append writes one message to the session's history log and tail.
func (l *SessionLog) Append(sessionID string, msg models.Message) error {
	if sessionID == "" {
		return errors.New("session id is required")
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	m := l.lock(sessionID)
	m.Lock()
	defer m.Unlock()

	if err := os.MkdirAll(l.sessionDir(sessionID), 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	f, err := os.OpenFile(l.historyPath(sessionID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	defer f.Close()

	line, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append history: %w", err)
	}

	l.mu.Lock()
	tail := append(l.tails[sessionID], msg)
	if len(tail) > l.tailSize {
		tail = tail[len(tail)-l.tailSize:]
	}
	l.tails[sessionID] = tail
	l.mu.Unlock()
	return nil
}

// Tail returns up to k most recent messages from the in-memory tail,
// falling back to disk when the tail is cold after a restart.
func (l *SessionLog) Tail(sessionID string, k int) ([]models.Message, error) {
	l.mu.Lock()
	tail, ok := l.tails[sessionID]
	l.mu.Unlock()
	if !ok {
		loaded, err := l.Load(sessionID)
		if err != nil {
			if errors.Is(err, ErrSessionNotFound) {
				return nil, nil
			}
			return nil, err
		}
		l.mu.Lock()
		if len(loaded) > l.tailSize {
			l.tails[sessionID] = loaded[len(loaded)-l.tailSize:]
		} else {
			l.tails[sessionID] = loaded
		}
		tail = l.tails[sessionID]
		l.mu.Unlock()
	}
	if k <= 0 || k >= len(tail) {
		out := make([]models.Message, len(tail))
		copy(out, tail)
		return out, nil
	}
	out := make([]models.Message, k)
	copy(out, tail[len(tail)-k:])
	return out, nil
}

// Load reads the full history from disk. Missing log means
// ErrSessionNotFound.
func (l *SessionLog) Load(sessionID string) ([]models.Message, error) {
	m := l.lock(sessionID)
	m.Lock()
	defer m.Unlock()

	f, err := os.Open(l.historyPath(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	defer f.Close()

	var messages []models.Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg models.Message
		if err := json.Unmarshal(line, &msg); err != nil {
			// Skip corrupt lines rather than losing the whole session.
			continue
		}
		messages = append(messages, msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return messages, nil
}

// Resume reloads a session's history, warming the tail. It returns
// ErrSessionNotFound when no log exists.
func (l *SessionLog) Resume(sessionID string) ([]models.Message, error) {
	messages, err := l.Load(sessionID)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	if len(messages) > l.tailSize {
		l.tails[sessionID] = messages[len(messages)-l.tailSize:]
	} else {
		l.tails[sessionID] = append([]models.Message(nil), messages...)
	}
	l.mu.Unlock()
	return messages, nil
}

// Exists reports whether a history log is on disk for the session.
func (l *SessionLog) Exists(sessionID string) bool {
	_, err := os.Stat(l.historyPath(sessionID))
	return err == nil
}

// Delete removes the session's directory and in-memory state.
func (l *SessionLog) Delete(sessionID string) error {
	m := l.lock(sessionID)
	m.Lock()
	defer m.Unlock()
	l.mu.Lock()
	delete(l.tails, sessionID)
	l.mu.Unlock()
	return os.RemoveAll(l.sessionDir(sessionID))
}

// List returns the ids of sessions with on-disk history.
func (l *SessionLog) List() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(l.root, "sessions"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}
