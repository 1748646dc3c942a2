// Package conversation holds the per-person message logs consumed by LLM
// handlers. One store owns every message; each person keeps an ordered list
// of message ids plus a forgotten set, so "forgetting" is a visibility mask
// rather than a delete.
package conversation

import (
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/dipeo/engine/internal/runtime"
)

const (
	DefaultMaxPerPerson = 100
	DefaultMaxGlobal    = 10000
)

type Message struct {
	ID             string
	Role           string
	Content        string
	Timestamp      time.Time
	SenderPersonID string
	ExecutionID    string
	NodeID         string
	NodeLabel      string
	Tokens         runtime.TokenUsage
	participants   []string
}

// VisibleMessage is what a reader sees after the visibility and role-rewrite
// rules are applied.
type VisibleMessage struct {
	Role     string
	Content  string
	PersonID string
}

type personLog struct {
	mu        sync.Mutex
	ids       []string
	forgotten map[string]bool
}

// Store is safe for concurrent use. The global mutex guards the owning
// message list and indexes; each person's mutex guards only that person's
// log. The two are never held together.
type Store struct {
	maxPerPerson int
	maxGlobal    int

	mu         sync.RWMutex
	order      []string
	byID       map[string]*Message
	persons    map[string]*personLog
	execTokens map[string]runtime.TokenUsage
}

func NewStore() *Store {
	return NewStoreWithLimits(DefaultMaxPerPerson, DefaultMaxGlobal)
}

func NewStoreWithLimits(maxPerPerson, maxGlobal int) *Store {
	if maxPerPerson < 1 {
		maxPerPerson = DefaultMaxPerPerson
	}
	if maxGlobal < 1 {
		maxGlobal = DefaultMaxGlobal
	}
	return &Store{
		maxPerPerson: maxPerPerson,
		maxGlobal:    maxGlobal,
		byID:         map[string]*Message{},
		persons:      map[string]*personLog{},
		execTokens:   map[string]runtime.TokenUsage{},
	}
}

// AddMessage appends a message to every participant's log and returns its id.
// Past the global bound the oldest message is evicted FIFO; eviction also
// purges the id from every participant's log and forgotten set.
func (s *Store) AddMessage(content, senderPersonID, executionID string, participants []string, role, nodeID, nodeLabel string, tokens runtime.TokenUsage) string {
	msg := &Message{
		ID:             ulid.Make().String(),
		Role:           role,
		Content:        content,
		Timestamp:      time.Now().UTC(),
		SenderPersonID: senderPersonID,
		ExecutionID:    executionID,
		NodeID:         nodeID,
		NodeLabel:      nodeLabel,
		Tokens:         tokens,
		participants:   append([]string(nil), participants...),
	}

	var evicted []*Message
	s.mu.Lock()
	s.order = append(s.order, msg.ID)
	s.byID[msg.ID] = msg
	for len(s.order) > s.maxGlobal {
		oldID := s.order[0]
		s.order = s.order[1:]
		if old, ok := s.byID[oldID]; ok {
			evicted = append(evicted, old)
			delete(s.byID, oldID)
		}
	}
	if !tokens.IsZero() && executionID != "" {
		s.execTokens[executionID] = s.execTokens[executionID].Add(tokens)
	}
	logs := make([]*personLog, 0, len(participants))
	for _, p := range participants {
		logs = append(logs, s.personLocked(p))
	}
	s.mu.Unlock()

	for _, pl := range logs {
		pl.mu.Lock()
		pl.ids = append(pl.ids, msg.ID)
		for len(pl.ids) > s.maxPerPerson {
			dropped := pl.ids[0]
			pl.ids = pl.ids[1:]
			delete(pl.forgotten, dropped)
		}
		pl.mu.Unlock()
	}

	for _, old := range evicted {
		s.purgeEvicted(old)
	}
	return msg.ID
}

// personLocked returns the log for a person, creating it if needed. Caller
// holds s.mu.
func (s *Store) personLocked(personID string) *personLog {
	pl, ok := s.persons[personID]
	if !ok {
		pl = &personLog{forgotten: map[string]bool{}}
		s.persons[personID] = pl
	}
	return pl
}

func (s *Store) purgeEvicted(msg *Message) {
	s.mu.RLock()
	logs := make([]*personLog, 0, len(msg.participants))
	for _, p := range msg.participants {
		if pl, ok := s.persons[p]; ok {
			logs = append(logs, pl)
		}
	}
	s.mu.RUnlock()

	for _, pl := range logs {
		pl.mu.Lock()
		for i, id := range pl.ids {
			if id == msg.ID {
				pl.ids = append(pl.ids[:i], pl.ids[i+1:]...)
				break
			}
		}
		delete(pl.forgotten, msg.ID)
		pl.mu.Unlock()
	}
}

// VisibleMessages returns the person's log with forgotten messages removed
// and roles rewritten: messages the person sent read as assistant, everything
// else reads as user prefixed with the sending node's label.
func (s *Store) VisibleMessages(personID string) []VisibleMessage {
	s.mu.RLock()
	pl, ok := s.persons[personID]
	s.mu.RUnlock()
	if !ok {
		return nil
	}

	pl.mu.Lock()
	ids := append([]string(nil), pl.ids...)
	forgotten := make(map[string]bool, len(pl.forgotten))
	for id := range pl.forgotten {
		forgotten[id] = true
	}
	pl.mu.Unlock()

	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]VisibleMessage, 0, len(ids))
	for _, id := range ids {
		if forgotten[id] {
			continue
		}
		msg, ok := s.byID[id]
		if !ok {
			continue
		}
		if msg.SenderPersonID == personID {
			out = append(out, VisibleMessage{Role: "assistant", Content: msg.Content, PersonID: msg.SenderPersonID})
			continue
		}
		content := msg.Content
		if label := strings.TrimSpace(msg.NodeLabel); label != "" {
			content = "[" + label + "]: " + content
		}
		out = append(out, VisibleMessage{Role: "user", Content: content, PersonID: msg.SenderPersonID})
	}
	return out
}

// ForgetForPerson masks all of the person's messages, or only those from one
// execution when executionID is non-empty.
func (s *Store) ForgetForPerson(personID, executionID string) {
	s.forget(personID, func(m *Message) bool {
		return executionID == "" || m.ExecutionID == executionID
	})
}

// ForgetOwnMessages masks only messages the person sent, optionally scoped to
// one execution.
func (s *Store) ForgetOwnMessages(personID, executionID string) {
	s.forget(personID, func(m *Message) bool {
		if m.SenderPersonID != personID {
			return false
		}
		return executionID == "" || m.ExecutionID == executionID
	})
}

func (s *Store) forget(personID string, match func(*Message) bool) {
	s.mu.RLock()
	pl, ok := s.persons[personID]
	s.mu.RUnlock()
	if !ok {
		return
	}

	pl.mu.Lock()
	ids := append([]string(nil), pl.ids...)
	pl.mu.Unlock()

	s.mu.RLock()
	var hits []string
	for _, id := range ids {
		if msg, ok := s.byID[id]; ok && match(msg) {
			hits = append(hits, id)
		}
	}
	s.mu.RUnlock()

	pl.mu.Lock()
	for _, id := range hits {
		pl.forgotten[id] = true
	}
	pl.mu.Unlock()
}

// ExecutionTokens returns the accumulated token usage recorded for an
// execution across all messages.
func (s *Store) ExecutionTokens(executionID string) runtime.TokenUsage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.execTokens[executionID]
}

// Len reports global and per-person message counts (post-eviction); used by
// diagnostics and tests.
func (s *Store) Len(personID string) (global, person int) {
	s.mu.RLock()
	global = len(s.order)
	pl, ok := s.persons[personID]
	s.mu.RUnlock()
	if !ok {
		return global, 0
	}
	pl.mu.Lock()
	person = len(pl.ids)
	pl.mu.Unlock()
	return global, person
}
