// Package timeouts defines shared timeout constants used across the service.
// Centralizing these values prevents drift between boundaries and makes the
// durations discoverable.
package timeouts

import "time"

// ReadHeader limits how long the HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long the HTTP server waits for in-flight requests
// during graceful shutdown.
const Shutdown = 5 * time.Second

// HeartbeatInterval is the default period between server heartbeat pings on a
// live connection.
const HeartbeatInterval = 30 * time.Second

// HeartbeatGrace is how long after a ping the registry waits for a pong
// before presuming the connection dead.
const HeartbeatGrace = 10 * time.Second

// StoreWrite caps a single transactional write against the durable store.
const StoreWrite = 5 * time.Second
