package realtime

// CloseCode names the reason a server closed a connection. The code is the
// client's signal for whether reconnecting can succeed.
type CloseCode string

const (
	CloseNormal           CloseCode = "normal"
	CloseServerShutdown   CloseCode = "server_shutdown"
	CloseHeartbeatTimeout CloseCode = "heartbeat_timeout"
	CloseReplaced         CloseCode = "replaced"
	CloseAuthFailed       CloseCode = "auth_failed"
	CloseForbidden        CloseCode = "forbidden"
	CloseRateLimited      CloseCode = "rate_limited"
)

// Recoverable reports whether a client may retry the connection after
// receiving this code. Auth failures, forbidden access, and rate limiting
// will fail the same way on retry, so clients must not reconnect on them.
func (c CloseCode) Recoverable() bool {
	switch c {
	case CloseAuthFailed, CloseForbidden, CloseRateLimited:
		return false
	}
	return true
}
