package realtime

import (
	"log"
	"time"
)

// watch drives the heartbeat for one connection. Each tick sends a ping and
// waits for the pong; a pong that misses the grace window evicts the
// connection with a heartbeat-timeout close. An evicted or deregistered
// connection stops the watcher, so eviction lag is bounded by one interval
// plus the grace window.
func (r *Registry) watch(handle *Handle, interval, grace time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-handle.done:
			return
		case <-ticker.C:
		}

		if err := handle.transport.Ping(); err != nil {
			log.Printf("ping failed unit=%s role=%s: %v", handle.scope.UnitID, handle.scope.Role, err)
			r.evict(handle, CloseHeartbeatTimeout)
			return
		}

		graceTimer := time.NewTimer(grace)
		select {
		case <-handle.done:
			graceTimer.Stop()
			return
		case <-handle.pong:
			graceTimer.Stop()
		case <-graceTimer.C:
			log.Printf("heartbeat timeout unit=%s role=%s", handle.scope.UnitID, handle.scope.Role)
			r.evict(handle, CloseHeartbeatTimeout)
			return
		}
	}
}

func (r *Registry) evict(handle *Handle, code CloseCode) {
	r.Deregister(handle)
	_ = handle.transport.Close(code)
}
