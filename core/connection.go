package core

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/searchktools/fast-httpd/core/aio"
	"github.com/searchktools/fast-httpd/core/http"
)

// Connection is the pooled per-client context. It is built once at startup
// and lives either in the free pool or in the registry, never both.
type Connection struct {
	id   int
	slot int

	// mu serializes completions for this connection with closes from the
	// sweeper and Stop.
	mu sync.Mutex

	sock    aio.Socket
	recvBuf []byte
	client  *http.Client

	lastActive atomic.Int64

	out      *[]byte
	sendOff  int
	sendLeft int

	onRecv aio.Completion
	onSend aio.Completion
}

// Reset implements pools.Poolable.
func (c *Connection) Reset() {
	c.sock = nil
	c.client.Reset()
	c.out = nil
	c.sendOff = 0
	c.sendLeft = 0
	c.lastActive.Store(0)
}

// ID returns the pool index of the connection.
func (c *Connection) ID() int { return c.id }

func (c *Connection) touch(now time.Time) {
	c.lastActive.Store(now.UnixNano())
}

// IdleFor returns how long the connection has gone without receiving data.
func (c *Connection) IdleFor(now time.Time) time.Duration {
	last := c.lastActive.Load()
	if last == 0 {
		return 0
	}
	return now.Sub(time.Unix(0, last))
}

func (c *Connection) remote() string {
	if c.sock == nil {
		return ""
	}
	if addr := c.sock.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}
