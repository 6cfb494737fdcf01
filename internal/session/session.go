// Package session owns sessions, prompts and idempotency bindings: three
// related keyed maps guarded by fine-grained mutexes, plus a periodic
// expiry sweeper.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"ragstream/internal/cache"
	"ragstream/internal/ragerr"
	"ragstream/internal/stream"
)

// Status is a session's lifecycle state.
type Status string

const (
	Active  Status = "Active"
	Expired Status = "Expired"
)

// PromptStatus is a prompt's lifecycle state; it advances monotonically
// InFlight -> {Done, Cancelled, Error}.
type PromptStatus string

const (
	InFlight    PromptStatus = "InFlight"
	Done        PromptStatus = "Done"
	Cancelled   PromptStatus = "Cancelled"
	PromptError PromptStatus = "Error"
)

// Session is a client's logical conversation scope.
type Session struct {
	ID           string
	Owner        string
	CreatedAt    time.Time
	LastActiveAt time.Time
	ExpiresAt    time.Time
	Status       Status

	mu      sync.RWMutex
	prompts map[string]*Prompt
}

// Prompt is a single generation request within a session.
type Prompt struct {
	ID             string
	SessionID      string
	Text           string
	IdempotencyKey string
	Status         PromptStatus
	CreatedAt      time.Time
	TokenCount     int
}

// idempotencyEntry binds (sessionId, idempotencyKey) to the prompt it
// produced and the delta sequence to replay on a repeat call.
type idempotencyEntry struct {
	promptID string
	deltas   []stream.Delta
}

// Manager owns all sessions for the process.
type Manager struct {
	timeout time.Duration

	mu       sync.RWMutex
	sessions map[string]*Session

	idemMu      sync.Mutex
	idemCap     int
	idempotency map[string]*idempotencyEntry
	idemOrder   []string            // insertion order, for simple FIFO bounding
	idemBySess  map[string][]string // sessionID -> bound idemKeys, so CleanupExpired can purge them directly
}

// NewManager constructs a session Manager with the given default session
// timeout and per-process idempotency-entry cap. Idempotency bindings live
// in a single bounded FIFO table rather than per-session LRUs; the table
// holds at most one entry per (session, key) pair.
func NewManager(timeout time.Duration, idemCap int) *Manager {
	if idemCap <= 0 {
		idemCap = 64
	}
	return &Manager{
		timeout:     timeout,
		sessions:    make(map[string]*Session),
		idemCap:     idemCap,
		idempotency: make(map[string]*idempotencyEntry),
		idemBySess:  make(map[string][]string),
	}
}

// CreateSession starts a new session for owner (may be empty).
func (m *Manager) CreateSession(owner string) *Session {
	now := time.Now()
	s := &Session{
		ID:           uuid.NewString(),
		Owner:        owner,
		CreatedAt:    now,
		LastActiveAt: now,
		ExpiresAt:    now.Add(m.timeout),
		Status:       Active,
		prompts:      make(map[string]*Prompt),
	}
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	return s
}

// GetSession returns the session by id. An unknown id is an InvalidRequest;
// a known session past its expiry is SessionExpired.
func (m *Manager) GetSession(id string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ragerr.New(ragerr.InvalidRequest, "unknown session")
	}
	if time.Now().After(s.ExpiresAt) {
		return nil, ragerr.New(ragerr.SessionExpired, "session expired")
	}
	return s, nil
}

// Touch refreshes a session's lastActiveAt/expiresAt on activity.
func (m *Manager) Touch(s *Session) {
	s.mu.Lock()
	s.LastActiveAt = time.Now()
	s.ExpiresAt = s.LastActiveAt.Add(m.timeout)
	s.mu.Unlock()
}

// CreatePrompt registers a new in-flight prompt under s.
func (s *Session) CreatePrompt(text, idempotencyKey string) *Prompt {
	p := &Prompt{
		ID:             uuid.NewString(),
		SessionID:      s.ID,
		Text:           text,
		IdempotencyKey: idempotencyKey,
		Status:         InFlight,
		CreatedAt:      time.Now(),
	}
	s.mu.Lock()
	s.prompts[p.ID] = p
	s.mu.Unlock()
	return p
}

// GetPrompt looks up a prompt by id within s.
func (s *Session) GetPrompt(id string) (*Prompt, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.prompts[id]
	return p, ok
}

// UpdatePromptStatus advances a prompt's status; callers are expected to
// respect the monotonic InFlight->terminal transition.
func (s *Session) UpdatePromptStatus(id string, status PromptStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.prompts[id]; ok {
		p.Status = status
	}
}

// SetPromptTokenCount records the running token count for id.
func (s *Session) SetPromptTokenCount(id string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.prompts[id]; ok {
		p.TokenCount = n
	}
}

// idemKey builds the composite lookup key for a (sessionId, idempotencyKey)
// pair.
func idemKey(sessionID, key string) string {
	return cache.KeyHash(sessionID, key)
}

// LookupIdempotent returns the bound promptID and cached delta sequence for
// (sessionId, idempotencyKey), if any.
func (m *Manager) LookupIdempotent(sessionID, key string) (string, []stream.Delta, bool) {
	if key == "" {
		return "", nil, false
	}
	m.idemMu.Lock()
	defer m.idemMu.Unlock()
	e, ok := m.idempotency[idemKey(sessionID, key)]
	if !ok {
		return "", nil, false
	}
	return e.promptID, e.deltas, true
}

// BindIdempotent records the delta sequence produced for (sessionId,
// idempotencyKey) so a repeat call replays it verbatim, evicting the
// oldest binding if the process-wide cap is exceeded.
func (m *Manager) BindIdempotent(sessionID, key, promptID string, deltas []stream.Delta) {
	if key == "" {
		return
	}
	k := idemKey(sessionID, key)
	m.idemMu.Lock()
	defer m.idemMu.Unlock()
	if _, exists := m.idempotency[k]; !exists {
		m.idemOrder = append(m.idemOrder, k)
		m.idemBySess[sessionID] = append(m.idemBySess[sessionID], k)
	}
	m.idempotency[k] = &idempotencyEntry{promptID: promptID, deltas: deltas}
	for len(m.idemOrder) > m.idemCap {
		oldest := m.idemOrder[0]
		m.idemOrder = m.idemOrder[1:]
		delete(m.idempotency, oldest)
	}
}

// purgeIdempotentForSession removes every idempotency binding recorded for
// sessionID, used by CleanupExpired to drop bindings alongside their
// session atomically rather than waiting for the FIFO cap to reclaim them.
func (m *Manager) purgeIdempotentForSession(sessionID string) {
	m.idemMu.Lock()
	defer m.idemMu.Unlock()
	keys, ok := m.idemBySess[sessionID]
	if !ok {
		return
	}
	delete(m.idemBySess, sessionID)
	toDrop := make(map[string]bool, len(keys))
	for _, k := range keys {
		toDrop[k] = true
		delete(m.idempotency, k)
	}
	kept := m.idemOrder[:0]
	for _, k := range m.idemOrder {
		if !toDrop[k] {
			kept = append(kept, k)
		}
	}
	m.idemOrder = kept
}

// CleanupExpired removes sessions (and their prompts and idempotency
// bindings) whose expiresAt has passed. Intended to run on a periodic
// ticker from the owning binary.
func (m *Manager) CleanupExpired() int {
	now := time.Now()
	var expired []string

	m.mu.Lock()
	for id, s := range m.sessions {
		s.mu.RLock()
		isExpired := now.After(s.ExpiresAt)
		s.mu.RUnlock()
		if isExpired {
			s.Status = Expired
			expired = append(expired, id)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, id := range expired {
		m.purgeIdempotentForSession(id)
	}

	return len(expired)
}

// RunSweeper starts a goroutine that calls CleanupExpired on every tick
// until stop is closed.
func (m *Manager) RunSweeper(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.CleanupExpired()
			case <-stop:
				return
			}
		}
	}()
}
