package registry

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrSessionLimitExceeded means the user already holds the maximum
	// number of non-terminated sessions.
	ErrSessionLimitExceeded = errors.New("session limit exceeded")
	// ErrTransportBusy means the browser transport already drives a session.
	ErrTransportBusy = errors.New("transport already bound to a session")
	// ErrNotOwner means a rebind was attempted by a different user.
	ErrNotOwner = errors.New("session owned by another user")
	// ErrNotFound means no live session matches the id.
	ErrNotFound = errors.New("session not found")
)

// Config tunes the registry. Zero values select the defaults.
type Config struct {
	MaxSessionsPerUser int
	IdleTimeout        time.Duration
	ReaperInterval     time.Duration
	HistoryCap         int
	// HistoryCacheTTL is how long a terminated session's history snapshot
	// stays queryable. Best effort only; the durable trail is the audit log.
	HistoryCacheTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxSessionsPerUser <= 0 {
		c.MaxSessionsPerUser = 5
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 30 * time.Minute
	}
	if c.ReaperInterval <= 0 {
		c.ReaperInterval = time.Minute
	}
	if c.HistoryCap <= 0 {
		c.HistoryCap = 1000
	}
	if c.HistoryCacheTTL <= 0 {
		c.HistoryCacheTTL = 5 * time.Minute
	}
	return c
}

type historyCacheEntry struct {
	records []CommandRecord
	expires time.Time
}

// Registry tracks every session in the process. One registry per gateway;
// construct it explicitly and pass it in so tests run isolated instances.
// All four indexes are updated under a single lock, and the lock is never
// held across pump shutdown or network I/O.
type Registry struct {
	cfg Config

	mu           sync.Mutex
	byID         map[string]*Session
	byUser       map[string]map[string]*Session
	byHost       map[uint]map[string]*Session
	byTransport  map[string]*Session
	historyCache map[string]historyCacheEntry

	nowFn func() time.Time

	stopOnce   sync.Once
	stop       chan struct{}
	reaperDone chan struct{}
}

// New creates a Registry and starts its idle reaper.
func New(cfg Config) *Registry {
	r := &Registry{
		cfg:          cfg.withDefaults(),
		byID:         make(map[string]*Session),
		byUser:       make(map[string]map[string]*Session),
		byHost:       make(map[uint]map[string]*Session),
		byTransport:  make(map[string]*Session),
		historyCache: make(map[string]historyCacheEntry),
		nowFn:        time.Now,
		stop:         make(chan struct{}),
		reaperDone:   make(chan struct{}),
	}
	go r.reaperLoop()
	return r
}

// CreateParams describes a new session.
type CreateParams struct {
	UserID   string
	TenantID string
	HostID   uint
	Hostname string
	Port     int
	Username string
	// TransportID optionally binds the creating browser connection.
	TransportID string
	ClientIP    string
	Cols, Rows  uint16
}

// Create registers a new session in Pending state. Fails when the user is at
// the per-user cap or the transport already drives another session.
func (r *Registry) Create(p CreateParams) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	live := 0
	for _, s := range r.byUser[p.UserID] {
		if s.State() != StateTerminated {
			live++
		}
	}
	if live >= r.cfg.MaxSessionsPerUser {
		return nil, ErrSessionLimitExceeded
	}

	if p.TransportID != "" {
		if _, busy := r.byTransport[p.TransportID]; busy {
			return nil, ErrTransportBusy
		}
	}

	now := r.nowFn()
	s := &Session{
		ID:           uuid.New().String(),
		UserID:       p.UserID,
		TenantID:     p.TenantID,
		HostID:       p.HostID,
		Hostname:     p.Hostname,
		Port:         p.Port,
		Username:     p.Username,
		ClientIP:     p.ClientIP,
		CreatedAt:    now,
		state:        StatePending,
		lastActivity: now,
		cols:         p.Cols,
		rows:         p.Rows,
		transportID:  p.TransportID,
		history:      newHistoryRing(r.cfg.HistoryCap),
	}

	r.byID[s.ID] = s
	if r.byUser[s.UserID] == nil {
		r.byUser[s.UserID] = make(map[string]*Session)
	}
	r.byUser[s.UserID][s.ID] = s
	if r.byHost[s.HostID] == nil {
		r.byHost[s.HostID] = make(map[string]*Session)
	}
	r.byHost[s.HostID][s.ID] = s
	if p.TransportID != "" {
		r.byTransport[p.TransportID] = s
	}

	log.Printf("[registry] created session %s (user=%s host=%d)", s.ID, s.UserID, s.HostID)
	return s, nil
}

// Lookup returns the session for id, or nil.
func (r *Registry) Lookup(id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byID[id]
}

// LookupByTransport returns the session driven by a browser transport, or nil.
func (r *Registry) LookupByTransport(transportID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byTransport[transportID]
}

// Rebind attaches a reconnecting browser transport to an existing session
// after an ownership check. The caller re-activates the session by attaching
// a fresh pump.
func (r *Registry) Rebind(sessionID, newTransportID, userID string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.byID[sessionID]
	if s == nil {
		return nil, ErrNotFound
	}
	if s.UserID != userID {
		return nil, ErrNotOwner
	}
	if existing, busy := r.byTransport[newTransportID]; busy && existing != s {
		return nil, ErrTransportBusy
	}

	s.mu.Lock()
	if s.state == StateTerminated {
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	old := s.transportID
	s.transportID = newTransportID
	if now := r.nowFn(); now.After(s.lastActivity) {
		s.lastActivity = now
	}
	s.mu.Unlock()

	if old != "" {
		delete(r.byTransport, old)
	}
	r.byTransport[newTransportID] = s

	log.Printf("[registry] rebound session %s to transport %s", s.ID, newTransportID)
	return s, nil
}

// OnTransportGone clears a departed browser's binding. The session is NOT
// terminated: it transitions Active → Inactive, its pump is stopped (no
// consumer remains for output), and the record survives for the reconnection
// grace window. Returns the affected session, or nil.
func (r *Registry) OnTransportGone(transportID string) *Session {
	r.mu.Lock()
	s := r.byTransport[transportID]
	if s == nil {
		r.mu.Unlock()
		return nil
	}
	delete(r.byTransport, transportID)

	var d Driver
	s.mu.Lock()
	s.transportID = ""
	if s.state == StateActive {
		s.state = StateInactive
		d = s.driver
		s.driver = nil
	}
	if now := r.nowFn(); now.After(s.lastActivity) {
		s.lastActivity = now
	}
	s.mu.Unlock()
	r.mu.Unlock()

	if d != nil {
		d.Stop("transport disconnected")
		log.Printf("[registry] session %s detached (transport gone)", s.ID)
	}
	return s
}

// Terminate moves a session to Terminated, stops its pump, and caches its
// history snapshot. The record stays queryable until the reaper removes it.
// Returns false when no non-terminated session matched.
func (r *Registry) Terminate(sessionID, reason string) bool {
	r.mu.Lock()
	s := r.byID[sessionID]
	if s == nil {
		r.mu.Unlock()
		return false
	}
	d, already := r.markTerminatedLocked(s)
	r.mu.Unlock()

	if already {
		return false
	}
	if d != nil {
		d.Stop(reason)
	}
	log.Printf("[registry] terminated session %s: %s", sessionID, reason)
	return true
}

// markTerminatedLocked flips a session to Terminated under the registry
// lock, returning its driver for the caller to stop outside the lock.
func (r *Registry) markTerminatedLocked(s *Session) (d Driver, already bool) {
	s.mu.Lock()
	if s.state == StateTerminated {
		s.mu.Unlock()
		return nil, true
	}
	s.state = StateTerminated
	d = s.driver
	s.driver = nil
	tid := s.transportID
	s.transportID = ""
	hist := s.history.snapshot()
	if now := r.nowFn(); now.After(s.lastActivity) {
		s.lastActivity = now
	}
	s.mu.Unlock()

	if tid != "" {
		delete(r.byTransport, tid)
	}
	if len(hist) > 0 {
		r.historyCache[s.ID] = historyCacheEntry{
			records: hist,
			expires: r.nowFn().Add(r.cfg.HistoryCacheTTL),
		}
	}
	return d, false
}

// TerminateForUser terminates every non-terminated session a user holds.
func (r *Registry) TerminateForUser(userID, reason string) int {
	return r.terminateSet(r.sessionIDsForUser(userID), reason)
}

// TerminateForHost terminates every non-terminated session on a host.
func (r *Registry) TerminateForHost(hostID uint, reason string) int {
	r.mu.Lock()
	ids := make([]string, 0, len(r.byHost[hostID]))
	for id := range r.byHost[hostID] {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	return r.terminateSet(ids, reason)
}

func (r *Registry) sessionIDsForUser(userID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.byUser[userID]))
	for id := range r.byUser[userID] {
		ids = append(ids, id)
	}
	return ids
}

func (r *Registry) terminateSet(ids []string, reason string) int {
	count := 0
	for _, id := range ids {
		if r.Terminate(id, reason) {
			count++
		}
	}
	return count
}

// History returns a session's command history: the live ring for existing
// sessions, or the short-TTL cache for recently terminated ones.
func (r *Registry) History(sessionID string) []CommandRecord {
	r.mu.Lock()
	s := r.byID[sessionID]
	if s == nil {
		e, ok := r.historyCache[sessionID]
		r.mu.Unlock()
		if ok && r.nowFn().Before(e.expires) {
			return e.records
		}
		return nil
	}
	r.mu.Unlock()
	return s.History()
}

// List returns JSON-safe snapshots of every tracked session for a tenant
// ("" means all tenants).
func (r *Registry) List(tenantID string) []Info {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.byID))
	for _, s := range r.byID {
		if tenantID == "" || s.TenantID == tenantID {
			sessions = append(sessions, s)
		}
	}
	r.mu.Unlock()

	infos := make([]Info, len(sessions))
	for i, s := range sessions {
		infos[i] = s.Snapshot()
	}
	return infos
}

// Stats summarizes registry occupancy.
type Stats struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Active     int `json:"active"`
	Inactive   int `json:"inactive"`
	Terminated int `json:"terminated"`
}

func (r *Registry) Stats() Stats {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.byID))
	for _, s := range r.byID {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	st := Stats{Total: len(sessions)}
	for _, s := range sessions {
		switch s.State() {
		case StatePending:
			st.Pending++
		case StateActive:
			st.Active++
		case StateInactive:
			st.Inactive++
		case StateTerminated:
			st.Terminated++
		}
	}
	return st
}

// Close stops the reaper and terminates every session.
func (r *Registry) Close() {
	r.stopOnce.Do(func() { close(r.stop) })
	<-r.reaperDone

	r.mu.Lock()
	ids := make([]string, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	r.terminateSet(ids, "shutdown")
}

// SetNowFunc overrides the clock. Tests only.
func (r *Registry) SetNowFunc(fn func() time.Time) {
	r.nowFn = fn
}

func (r *Registry) reaperLoop() {
	defer close(r.reaperDone)
	ticker := time.NewTicker(r.cfg.ReaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.ReapIdle()
		}
	}
}

// ReapIdle terminates AND removes sessions idle past IdleTimeout in one
// pass, so a session never rebound within the window stops resolving right
// then; its history survives in the short-TTL cache. Sessions terminated by
// other paths keep their tombstone until the same window elapses. Exported
// so tests can drive the reaper deterministically.
func (r *Registry) ReapIdle() {
	now := r.nowFn()
	cutoff := now.Add(-r.cfg.IdleTimeout)

	r.mu.Lock()
	var idle, expired []*Session
	for _, s := range r.byID {
		s.mu.Lock()
		st, last := s.state, s.lastActivity
		s.mu.Unlock()

		switch {
		case st == StateTerminated && last.Before(cutoff):
			expired = append(expired, s)
		case st != StateTerminated && last.Before(cutoff):
			idle = append(idle, s)
		}
	}
	r.mu.Unlock()

	for _, s := range idle {
		r.Terminate(s.ID, "idle timeout")
	}

	r.mu.Lock()
	for _, s := range expired {
		r.removeLocked(s)
	}
	for _, s := range idle {
		r.removeLocked(s)
	}
	for id, e := range r.historyCache {
		if !now.Before(e.expires) {
			delete(r.historyCache, id)
		}
	}
	r.mu.Unlock()

	if len(idle) > 0 || len(expired) > 0 {
		log.Printf("[registry] reaper: %d idle removed, %d expired removed", len(idle), len(expired))
	}
}

// removeLocked drops a session from every index. Caller holds the registry
// lock.
func (r *Registry) removeLocked(s *Session) {
	delete(r.byID, s.ID)
	if set := r.byUser[s.UserID]; set != nil {
		delete(set, s.ID)
		if len(set) == 0 {
			delete(r.byUser, s.UserID)
		}
	}
	if set := r.byHost[s.HostID]; set != nil {
		delete(set, s.ID)
		if len(set) == 0 {
			delete(r.byHost, s.HostID)
		}
	}
}
