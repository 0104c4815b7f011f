package manager

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SessionState is the lifecycle state of one connection attempt.
type SessionState string

const (
	StateLaunching SessionState = "launching"
	StateActive    SessionState = "active"
	StateClosed    SessionState = "closed"
	StateFailed    SessionState = "failed"
)

func (s SessionState) String() string { return string(s) }

// Terminal reports whether no further transitions are possible.
func (s SessionState) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

// canTransition lists the legal edges of the session lifecycle.
func canTransition(from, to SessionState) bool {
	switch from {
	case StateLaunching:
		return to == StateActive || to == StateClosed || to == StateFailed
	case StateActive:
		return to == StateClosed || to == StateFailed
	default:
		return false
	}
}

// SessionKey identifies one logical connection target for deduplication.
type SessionKey struct {
	Host     string
	Username string
	Port     int
}

// NewSessionKey normalizes the host so that "DB.internal." and "db.internal"
// collide.
func NewSessionKey(host, username string, port int) SessionKey {
	if port <= 0 {
		port = defaultSSHPort
	}
	return SessionKey{
		Host:     NormalizeHostFull(host),
		Username: strings.TrimSpace(username),
		Port:     port,
	}
}

func (k SessionKey) String() string {
	host := k.Host
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	hp := host + ":" + strconv.Itoa(k.Port)
	if k.Username == "" {
		return hp
	}
	return k.Username + "@" + hp
}

// SessionRecord is the registry's view of one connection attempt. It carries
// no credential material.
type SessionRecord struct {
	ID        string
	Key       SessionKey
	State     SessionState
	StartedAt time.Time
}

// TransitionCallback is called after a record changes state.
type TransitionCallback func(rec SessionRecord, from SessionState)

// Registry tracks in-flight connection attempts per target.
//
// Create one with NewRegistry in main and pass it to the Launcher; there is
// exactly one registry per process and it is never persisted. A single mutex
// guards the whole map: TryBegin is the only check-and-insert point.
type Registry struct {
	mu        sync.Mutex
	records   map[SessionKey]*SessionRecord
	callbacks []TransitionCallback
	now       func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		records: make(map[SessionKey]*SessionRecord),
		now:     time.Now,
	}
}

// TryBegin inserts a Launching record for key unless a non-terminal record
// already exists. Exactly one of any number of concurrent callers wins.
func (r *Registry) TryBegin(key SessionKey) (SessionRecord, bool) {
	r.mu.Lock()
	if cur, ok := r.records[key]; ok && !cur.State.Terminal() {
		existing := *cur
		r.mu.Unlock()
		return existing, false
	}
	rec := &SessionRecord{
		ID:        uuid.NewString(),
		Key:       key,
		State:     StateLaunching,
		StartedAt: r.now(),
	}
	r.records[key] = rec
	out := *rec
	cbs := r.copyCallbacks()
	r.mu.Unlock()

	for _, cb := range cbs {
		cb(out, "")
	}
	return out, true
}

// Transition moves the record for key to state. Illegal edges and unknown keys
// are ignored and reported as false.
func (r *Registry) Transition(key SessionKey, state SessionState) bool {
	r.mu.Lock()
	rec, ok := r.records[key]
	if !ok || !canTransition(rec.State, state) {
		r.mu.Unlock()
		return false
	}
	from := rec.State
	rec.State = state
	out := *rec
	cbs := r.copyCallbacks()
	r.mu.Unlock()

	for _, cb := range cbs {
		cb(out, from)
	}
	return true
}

// End removes the record for key.
func (r *Registry) End(key SessionKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, key)
}

// Get returns a copy of the record for key.
func (r *Registry) Get(key SessionKey) (SessionRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[key]
	if !ok {
		return SessionRecord{}, false
	}
	return *rec, true
}

// Snapshot returns copies of all records ordered by start time.
func (r *Registry) Snapshot() []SessionRecord {
	r.mu.Lock()
	out := make([]SessionRecord, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, *rec)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].Key.String() < out[j].Key.String()
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// OnTransition registers a callback fired (outside the lock) on every insert
// and state change. For inserts from is empty.
func (r *Registry) OnTransition(cb TransitionCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = append(r.callbacks, cb)
}

func (r *Registry) copyCallbacks() []TransitionCallback {
	cbs := make([]TransitionCallback, len(r.callbacks))
	copy(cbs, r.callbacks)
	return cbs
}

func (rec SessionRecord) String() string {
	return fmt.Sprintf("%s %s %s", rec.Key, rec.State, rec.StartedAt.Format(time.RFC3339))
}
