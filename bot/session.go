package bot

import (
	"sync"
	"time"
)

// setupSession is one guild's pending setup. It is started once the owner
// runs /setup; before that it only carries the join deadline.
type setupSession struct {
	guildID  string
	deadline time.Time
	timer    *time.Timer
	started  bool
}

// SessionManager owns the pending setup sessions, one per guild.
type SessionManager struct {
	mu        sync.Mutex
	sessions  map[string]*setupSession
	timeout   time.Duration
	onTimeout func(guildID string)
}

// NewSessionManager calls onTimeout on its own goroutine for every session
// that is neither ended nor restarted within timeout.
func NewSessionManager(timeout time.Duration, onTimeout func(guildID string)) *SessionManager {
	return &SessionManager{
		sessions:  make(map[string]*setupSession),
		timeout:   timeout,
		onTimeout: onTimeout,
	}
}

// Await gives a newly joined guild until the timeout to run /setup.
func (m *SessionManager) Await(guildID string) time.Time {
	return m.open(guildID, false)
}

// Start begins a setup session for the guild, replacing any existing one,
// and returns its deadline.
func (m *SessionManager) Start(guildID string) time.Time {
	return m.open(guildID, true)
}

func (m *SessionManager) open(guildID string, started bool) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.sessions[guildID]; ok {
		old.timer.Stop()
	}

	s := &setupSession{guildID: guildID, deadline: time.Now().Add(m.timeout), started: started}
	s.timer = time.AfterFunc(m.timeout, func() { m.expire(s) })
	m.sessions[guildID] = s
	return s.deadline
}

func (m *SessionManager) expire(s *setupSession) {
	m.mu.Lock()
	if m.sessions[s.guildID] != s {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, s.guildID)
	m.mu.Unlock()

	m.onTimeout(s.guildID)
}

// Active reports whether the guild's owner has started /setup and it has
// not finished yet.
func (m *SessionManager) Active(guildID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[guildID]
	return ok && s.started
}

// Waiting reports whether the guild has any pending setup deadline.
func (m *SessionManager) Waiting(guildID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[guildID]
	return ok
}

// End stops the guild's session or join deadline. It returns false if there
// was none.
func (m *SessionManager) End(guildID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[guildID]
	if !ok {
		return false
	}
	s.timer.Stop()
	delete(m.sessions, guildID)
	return true
}

// Stop ends every session without firing timeouts.
func (m *SessionManager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.sessions {
		s.timer.Stop()
		delete(m.sessions, id)
	}
}
