package core

import (
	"errors"
	"time"
)

// Defaults match the reference deployment: a small accept backlog, a hard cap
// on live connections and one fixed receive slot per connection.
const (
	DefaultMaxAccept      = 10
	DefaultMaxConnections = 20
	DefaultBufferSize     = 1024
	DefaultIdleTimeout    = 10 * time.Second
	DefaultSweepInterval  = time.Second
	DefaultMaxHeaderBytes = 64 << 10
	DefaultMaxBodyBytes   = 10 << 20
)

// Accept retry delays after consecutive accept failures.
const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

// Close reasons, used as log fields and metric labels.
const (
	reasonComplete  = "complete"
	reasonPeer      = "peer_closed"
	reasonIOError   = "io_error"
	reasonProtocol  = "protocol_error"
	reasonIdle      = "idle"
	reasonShutdown  = "shutdown"
	reasonUnstarted = "not_running"
)

var (
	// ErrNoHandler is returned by New when no handler is supplied.
	ErrNoHandler = errors.New("core: nil handler")
	// ErrRunning is returned by Serve when the engine is already serving.
	ErrRunning = errors.New("core: engine already running")
)
