// Package realtime tracks live connections, watches their liveness, and
// fans domain events out to the connections each event concerns.
package realtime

import (
	"log"
	"sync"
	"time"

	"github.com/brigadehq/brigade/internal/floor/auth"
	"github.com/brigadehq/brigade/internal/floor/domain/event"
	"github.com/brigadehq/brigade/internal/platform/timeouts"
)

// Transport is the minimal connection surface the registry needs. The
// websocket layer adapts its connections to this interface.
type Transport interface {
	// Send delivers one serialized event envelope.
	Send(data []byte) error
	// Ping asks the peer to answer with a pong.
	Ping() error
	// Close tears the connection down, telling the peer why.
	Close(code CloseCode) error
}

// Scope identifies who a connection speaks for and what it may observe.
type Scope struct {
	UnitID        string
	Role          auth.Role
	SessionID     string
	ParticipantID string
}

// Handle is one registered connection. It is returned from Register and
// required for Deregister and Pong.
type Handle struct {
	transport Transport
	scope     Scope
	pong      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// Scope returns the identity the connection registered with.
func (h *Handle) Scope() Scope {
	return h.scope
}

// Pong records a liveness answer from the peer. Unsolicited pongs are
// absorbed without effect.
func (h *Handle) Pong() {
	select {
	case h.pong <- struct{}{}:
	default:
	}
}

func (h *Handle) finish() {
	h.closeOnce.Do(func() { close(h.done) })
}

// Registry is the connection registry and liveness monitor.
type Registry struct {
	mu          sync.Mutex
	byTransport map[Transport]*Handle
	byUnit      map[string]map[*Handle]struct{}
	bySession   map[string]map[*Handle]struct{}

	heartbeatInterval time.Duration
	heartbeatGrace    time.Duration
}

// NewRegistry builds an empty registry with the default heartbeat timing.
func NewRegistry() *Registry {
	return &Registry{
		byTransport:       make(map[Transport]*Handle),
		byUnit:            make(map[string]map[*Handle]struct{}),
		bySession:         make(map[string]map[*Handle]struct{}),
		heartbeatInterval: timeouts.HeartbeatInterval,
		heartbeatGrace:    timeouts.HeartbeatGrace,
	}
}

// SetHeartbeat overrides the heartbeat timing. Zero or negative values keep
// the current setting.
func (r *Registry) SetHeartbeat(interval, grace time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if interval > 0 {
		r.heartbeatInterval = interval
	}
	if grace > 0 {
		r.heartbeatGrace = grace
	}
}

// Register adds a connection under the given scope and starts watching its
// liveness. Registering the same transport again replaces the prior entry;
// the replaced handle is deregistered and its watcher stopped.
func (r *Registry) Register(transport Transport, scope Scope) *Handle {
	handle := &Handle{
		transport: transport,
		scope:     scope,
		pong:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}

	r.mu.Lock()
	previous := r.byTransport[transport]
	if previous != nil {
		r.removeLocked(previous)
	}
	r.byTransport[transport] = handle
	addIndex(r.byUnit, scope.UnitID, handle)
	if scope.SessionID != "" {
		addIndex(r.bySession, scope.SessionID, handle)
	}
	interval := r.heartbeatInterval
	grace := r.heartbeatGrace
	r.mu.Unlock()

	if previous != nil {
		previous.finish()
	}
	go r.watch(handle, interval, grace)
	return handle
}

// Deregister removes the connection and stops its liveness watcher. It never
// touches session state; a session outlives any connection to it.
func (r *Registry) Deregister(handle *Handle) {
	if handle == nil {
		return
	}
	r.mu.Lock()
	if current := r.byTransport[handle.transport]; current == handle {
		r.removeLocked(handle)
	}
	r.mu.Unlock()
	handle.finish()
}

func (r *Registry) removeLocked(handle *Handle) {
	delete(r.byTransport, handle.transport)
	dropIndex(r.byUnit, handle.scope.UnitID, handle)
	if handle.scope.SessionID != "" {
		dropIndex(r.bySession, handle.scope.SessionID, handle)
	}
}

func addIndex(index map[string]map[*Handle]struct{}, key string, handle *Handle) {
	if key == "" {
		return
	}
	bucket, ok := index[key]
	if !ok {
		bucket = make(map[*Handle]struct{})
		index[key] = bucket
	}
	bucket[handle] = struct{}{}
}

func dropIndex(index map[string]map[*Handle]struct{}, key string, handle *Handle) {
	bucket, ok := index[key]
	if !ok {
		return
	}
	delete(bucket, handle)
	if len(bucket) == 0 {
		delete(index, key)
	}
}

// Publish serializes the event once and delivers it to every connection the
// routing policy selects. It returns the number of successful deliveries;
// publishing with no targets is a no-op.
func (r *Registry) Publish(ev event.Event) int {
	data, err := event.MarshalEnvelope(ev)
	if err != nil {
		log.Printf("drop event kind=%s unit=%s: %v", ev.Kind, ev.UnitID, err)
		return 0
	}

	r.mu.Lock()
	targets := make([]*Handle, 0, 8)
	for handle := range r.byUnit[ev.UnitID] {
		if deliverTo(ev, handle.scope) {
			targets = append(targets, handle)
		}
	}
	r.mu.Unlock()

	delivered := 0
	for _, handle := range targets {
		if err := handle.transport.Send(data); err != nil {
			log.Printf("send event kind=%s unit=%s role=%s: %v", ev.Kind, ev.UnitID, handle.scope.Role, err)
			continue
		}
		delivered++
	}
	return delivered
}

// ScopeQuery selects connections by scope fields. Empty fields match any
// value.
type ScopeQuery struct {
	UnitID    string
	Role      auth.Role
	SessionID string
}

// Snapshot returns the scopes of currently registered connections matching
// the query, in no particular order.
func (r *Registry) Snapshot(query ScopeQuery) []Scope {
	r.mu.Lock()
	defer r.mu.Unlock()

	scopes := make([]Scope, 0, len(r.byTransport))
	for _, handle := range r.byTransport {
		scope := handle.scope
		if query.UnitID != "" && scope.UnitID != query.UnitID {
			continue
		}
		if query.Role != "" && scope.Role != query.Role {
			continue
		}
		if query.SessionID != "" && scope.SessionID != query.SessionID {
			continue
		}
		scopes = append(scopes, scope)
	}
	return scopes
}

// CloseAll closes every registered connection with the given code. Used at
// shutdown.
func (r *Registry) CloseAll(code CloseCode) {
	r.mu.Lock()
	handles := make([]*Handle, 0, len(r.byTransport))
	for _, handle := range r.byTransport {
		handles = append(handles, handle)
	}
	r.mu.Unlock()

	for _, handle := range handles {
		r.Deregister(handle)
		_ = handle.transport.Close(code)
	}
}
