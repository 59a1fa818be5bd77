// Package store implements C7: the in-memory session/relay registries
// a running proxy needs to answer "who is connected" and "where did
// they go", plus a bounded history ring and an async SQLite mirror of
// that history for after-the-fact auditing.
package store

import (
	"sync"
	"time"

	"socksguard/internal/logx"
	"socksguard/internal/model"
)

var log = logx.New(logx.WithPrefix("store"))

const defaultHistoryCap = 2000

// Registry holds the live state of a running proxy: authenticated
// sessions, established relays, and a capped ring of finished
// connections for quick recent-activity queries.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]model.Session
	relays   map[string]model.RelaySession

	history    []model.RelaySession
	historyCap int
	historyPos int
	historyLen int

	mirror *Mirror // optional async SQLite mirror, nil if not configured
}

func NewRegistry(mirror *Mirror) *Registry {
	return &Registry{
		sessions:   map[string]model.Session{},
		relays:     map[string]model.RelaySession{},
		history:    make([]model.RelaySession, defaultHistoryCap),
		historyCap: defaultHistoryCap,
		mirror:     mirror,
	}
}

func (r *Registry) PutSession(s model.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s
}

func (r *Registry) GetSession(id string) (model.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

func (r *Registry) RemoveSession(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

func (r *Registry) PutRelay(rs model.RelaySession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.relays[rs.SessionID] = rs
}

// FinishRelay moves a relay from the active set into the history ring
// (and, if configured, the async SQLite mirror), stamping its end time
// and final byte counts.
func (r *Registry) FinishRelay(sessionID string, endedAt time.Time, bytesUp, bytesDown int64) {
	r.mu.Lock()
	rs, ok := r.relays[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.relays, sessionID)
	rs.EndedAt = endedAt
	rs.BytesUp = bytesUp
	rs.BytesDown = bytesDown

	r.history[r.historyPos] = rs
	r.historyPos = (r.historyPos + 1) % r.historyCap
	if r.historyLen < r.historyCap {
		r.historyLen++
	}
	r.mu.Unlock()

	if r.mirror != nil {
		r.mirror.Append(rs)
	}
}

// ActiveRelays returns a snapshot of all in-flight relays.
func (r *Registry) ActiveRelays() []model.RelaySession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.RelaySession, 0, len(r.relays))
	for _, rs := range r.relays {
		out = append(out, rs)
	}
	return out
}

// RecentHistory returns up to n most-recently-finished relays, newest first.
func (r *Registry) RecentHistory(n int) []model.RelaySession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if n <= 0 || n > r.historyLen {
		n = r.historyLen
	}
	out := make([]model.RelaySession, 0, n)
	idx := r.historyPos
	for i := 0; i < n; i++ {
		idx = (idx - 1 + r.historyCap) % r.historyCap
		out = append(out, r.history[idx])
	}
	return out
}

func (r *Registry) ActiveSessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
