package secure

import (
	"log"
	"sync"
	"time"
)

// Manager tracks active server-side sessions keyed by client identity
// fingerprint and expires idle ones in the background.
type Manager struct {
	idleTimeout time.Duration
	debug       bool

	mu       sync.RWMutex
	sessions map[string]*Session

	sweepTicker *time.Ticker
	stopSweep   chan struct{}
	sweepDone   chan struct{}
}

// NewManager creates a session manager. idleTimeout bounds how long a
// session may sit unused before it expires (typical 3600 s);
// sweepInterval controls how often the expiry sweep runs.
func NewManager(idleTimeout, sweepInterval time.Duration, debug bool) *Manager {
	if idleTimeout <= 0 {
		idleTimeout = time.Hour
	}
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}

	m := &Manager{
		idleTimeout: idleTimeout,
		debug:       debug,
		sessions:    make(map[string]*Session),
		sweepTicker: time.NewTicker(sweepInterval),
		stopSweep:   make(chan struct{}),
		sweepDone:   make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

// Put registers a session under its client fingerprint. An existing
// session for the same client is closed first.
func (m *Manager) Put(sess *Session) {
	m.mu.Lock()
	prior, had := m.sessions[sess.Fingerprint()]
	m.sessions[sess.Fingerprint()] = sess
	m.mu.Unlock()

	if had {
		prior.Close()
		if m.debug {
			log.Printf("secure: replaced session for client %s", sess.Fingerprint())
		}
	}
}

// Get returns the active session for a client fingerprint. Sessions in
// terminal states are treated as absent.
func (m *Manager) Get(fingerprint string) (*Session, bool) {
	m.mu.RLock()
	sess, ok := m.sessions[fingerprint]
	m.mu.RUnlock()

	if !ok || sess.State() != StateActive {
		return nil, false
	}
	return sess, true
}

// Revoke revokes and removes the session for a client. Used when an
// authentication failure is attributed to the session.
func (m *Manager) Revoke(fingerprint string) {
	m.mu.Lock()
	sess, ok := m.sessions[fingerprint]
	delete(m.sessions, fingerprint)
	m.mu.Unlock()

	if ok {
		sess.Revoke()
		if m.debug {
			log.Printf("secure: revoked session for client %s", fingerprint)
		}
	}
}

// Len returns the number of tracked sessions, including not-yet-swept
// terminal ones.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Stop halts the sweeper and closes all sessions.
func (m *Manager) Stop() {
	close(m.stopSweep)
	<-m.sweepDone

	m.mu.Lock()
	defer m.mu.Unlock()
	for fp, sess := range m.sessions {
		sess.Close()
		delete(m.sessions, fp)
	}
}

func (m *Manager) sweepLoop() {
	defer close(m.sweepDone)
	for {
		select {
		case <-m.sweepTicker.C:
			m.sweep(time.Now())
		case <-m.stopSweep:
			m.sweepTicker.Stop()
			return
		}
	}
}

// sweep expires idle sessions and drops terminal ones from the table.
func (m *Manager) sweep(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for fp, sess := range m.sessions {
		if sess.State() == StateActive && now.Sub(sess.LastActive()) > m.idleTimeout {
			sess.expire()
			if m.debug {
				log.Printf("secure: expired idle session for client %s", fp)
			}
		}
		if sess.State() != StateActive {
			delete(m.sessions, fp)
		}
	}
}
