/*
Package fasthttpd is an embeddable HTTP/1.1 server core built around
completion-based sockets and fixed, pre-allocated resource pools.

Each accepted connection carries exactly one request: the request is parsed
incrementally as bytes arrive, handed to the application handler, answered
with a single response and the connection is closed. A malformed request
closes the connection without a response. Connections that stay silent longer
than the idle timeout are evicted by a periodic sweep.

Quick Start

	package main

	import (
	    "context"
	    "os"

	    "github.com/searchktools/fast-httpd/app"
	    "github.com/searchktools/fast-httpd/config"
	    "github.com/searchktools/fast-httpd/core/http"
	)

	func main() {
	    cfg, err := config.Load(os.Args[1:])
	    if err != nil {
	        panic(err)
	    }

	    a, err := app.New(cfg, func(c *http.Context) {
	        c.String(200, "Hello, world!")
	    })
	    if err != nil {
	        panic(err)
	    }
	    _ = a.Run(context.Background())
	}

The engine can also be embedded directly:

	e, _ := core.New(handler, core.DefaultOptions())
	go e.ListenAndServe(ctx, ":9001")
	defer e.Stop(context.Background())

Modules

  - app: process wiring (logging, metrics endpoint, tracing, signals)
  - config: defaults, FASTHTTPD_* environment variables and flags
  - core: the engine, connection registry and idle sweeper
  - core/aio: completion sockets over epoll (Linux) or the net package
  - core/http: incremental request parser, handler context, response serializer
  - core/pools: receive arena, fixed object pools, admission permits, workers
  - core/observability: Prometheus metrics, OpenTelemetry spans, handler monitor
  - cmd/fast-httpd: the demo server

Limits

MaxConnections bounds live connections: the accept loop takes an admission
permit before issuing each accept, so no connection is ever accepted without a
pooled context to hold it. MaxAccept bounds the accepts outstanding at once.
*/
package fasthttpd
