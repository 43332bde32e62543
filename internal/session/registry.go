package session

import (
	"sort"
	"sync"
	"time"

	"github.com/shehryarbajwa/applyx/pkg/models"
)

type entry struct {
	session  *models.Session // latest committed session, active or not
	pending  *models.Session // start or recovery in flight
	monitor  *monitor
	stopping bool
}

// Registry is the in-memory view of each tenant's latest session.
// It never calls out to workers or storage, so its lock is only held for
// bookkeeping. Reads return copies.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry // tenant id -> entry
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Get returns the tenant's in-flight or latest session
func (r *Registry) Get(tenantID string) (*models.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[tenantID]
	if !ok {
		return nil, false
	}
	if e.pending != nil {
		return e.pending.Clone(), true
	}
	if e.session != nil {
		return e.session.Clone(), true
	}
	return nil, false
}

// Active reports whether the tenant has an active or starting session
func (r *Registry) Active(tenantID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[tenantID]
	return ok && e.occupied()
}

func (e *entry) occupied() bool {
	return e.pending != nil || (e.session != nil && e.session.IsActive)
}

// List returns the latest session of every tenant matching filter,
// ordered by tenant id
func (r *Registry) List(filter models.SessionFilter) []*models.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.Session
	for tenantID, e := range r.entries {
		s := e.session
		if e.pending != nil {
			s = e.pending
		}
		if s == nil {
			continue
		}
		if filter.TenantID != "" && filter.TenantID != tenantID {
			continue
		}
		if filter.Status != "" && filter.Status != s.Status {
			continue
		}
		if filter.ActiveOnly && !s.IsActive {
			continue
		}
		out = append(out, s.Clone())
	}

	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}

// ActiveCount returns how many tenants have an active session
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, e := range r.entries {
		if e.session != nil && e.session.IsActive {
			n++
		}
	}
	return n
}

// Put commits s as the tenant's latest session, clearing any reservation
func (r *Registry) Put(s *models.Session) {
	r.put(s, nil)
}

func (r *Registry) put(s *models.Session, m *monitor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries[s.TenantID] = &entry{session: s.Clone(), monitor: m}
}

// Remove forgets the tenant entirely
func (r *Registry) Remove(tenantID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.entries, tenantID)
}

// reserve stages s for its tenant. It fails when the tenant already has an
// active session or another start in flight.
func (r *Registry) reserve(s *models.Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[s.TenantID]
	if !ok {
		e = &entry{}
		r.entries[s.TenantID] = e
	}
	if e.occupied() {
		return false
	}
	e.pending = s.Clone()
	return true
}

// transition updates the staged session's status
func (r *Registry) transition(tenantID, sessionID string, status models.SessionStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[tenantID]; ok && e.pending != nil && e.pending.ID == sessionID {
		e.pending.Status = status
	}
}

// release drops a reservation that never became a session
func (r *Registry) release(tenantID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[tenantID]
	if !ok || e.pending == nil || e.pending.ID != sessionID {
		return
	}
	e.pending = nil
	if e.session == nil {
		delete(r.entries, tenantID)
	}
}

// current reports whether sessionID is still the tenant's active session
// and nobody is stopping it
func (r *Registry) current(tenantID, sessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[tenantID]
	return ok && !e.stopping && e.session != nil && e.session.IsActive && e.session.ID == sessionID
}

// claim hands the exclusive right to end the tenant's active session to one
// caller. An empty sessionID claims whichever session is active.
func (r *Registry) claim(tenantID, sessionID string) (*models.Session, *monitor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[tenantID]
	if !ok || e.stopping || e.session == nil || !e.session.IsActive {
		return nil, nil, false
	}
	if sessionID != "" && e.session.ID != sessionID {
		return nil, nil, false
	}
	e.stopping = true
	return e.session.Clone(), e.monitor, true
}

// heartbeat records progress on the tenant's active session
func (r *Registry) heartbeat(tenantID, sessionID string, units int, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[tenantID]; ok && e.session != nil && e.session.ID == sessionID {
		e.session.WorkUnitsCompleted = units
		e.session.LastHeartbeat = at
	}
}

// finish moves a claimed session to a terminal status
func (r *Registry) finish(tenantID, sessionID string, status models.SessionStatus, reason string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[tenantID]
	if !ok || e.session == nil || e.session.ID != sessionID {
		return
	}
	e.session.Status = status
	e.session.IsActive = false
	e.session.FailureReason = reason
	e.session.StoppedAt = &at
	e.session.LastHeartbeat = at
	e.monitor = nil
	e.stopping = false
}
