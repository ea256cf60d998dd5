package http

import (
	"bytes"
	"context"
	"errors"
	"net"
	"strconv"

	"golang.org/x/net/http/httpguts"
)

// ErrFinished is returned by Feed once a complete request has been parsed.
var ErrFinished = errors.New("http: request already complete")

// ProtocolError reports a malformed request. The connection is dropped and the
// handler never sees the request.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return "http: " + e.Reason + ": " + e.Err.Error()
	}
	return "http: " + e.Reason
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func protocolError(reason string, err error) *ProtocolError {
	return &ProtocolError{Reason: reason, Err: err}
}

// State is the parser position within a request.
type State int

const (
	StateRequestLine State = iota
	StateHeaders
	StateBody
	StateTrailer
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateRequestLine:
		return "request-line"
	case StateHeaders:
		return "headers"
	case StateBody:
		return "body"
	case StateTrailer:
		return "trailer"
	case StateFinished:
		return "finished"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

type chunkPhase int

const (
	chunkSize chunkPhase = iota
	chunkData
	chunkDataEnd
)

// Limits bound how much a single request may buffer. Zero means unlimited.
type Limits struct {
	MaxHeaderBytes int
	MaxBodyBytes   int64
}

// maxChunkLineBytes bounds a chunk-size line, extensions included.
const maxChunkLineBytes = 4096

// Client is the per-connection parser. It accumulates received bytes and
// advances Request through the parse states, resuming where it stopped, so the
// outcome never depends on how the bytes were split across receives.
type Client struct {
	Request  Request
	Response Response

	limits Limits

	buf         []byte
	pos         int
	state       State
	headerBytes int

	phase     chunkPhase
	chunkLeft int64
	chunked   []byte

	hctx Context
}

// NewClient returns a parser ready for its first request.
func NewClient(limits Limits) *Client {
	return &Client{
		Request: newRequest(),
		limits:  limits,
	}
}

// State returns the current parse state.
func (c *Client) State() State { return c.state }

// Buffered returns the number of received bytes not yet consumed.
func (c *Client) Buffered() int { return len(c.buf) - c.pos }

// Feed appends newly received bytes. p is copied.
func (c *Client) Feed(p []byte) error {
	if c.state == StateFinished {
		return ErrFinished
	}
	if c.pos > 0 && c.pos == len(c.buf) {
		c.buf = c.buf[:0]
		c.pos = 0
	}
	c.buf = append(c.buf, p...)
	return nil
}

// Process advances as far as the buffered bytes allow. It returns the new
// state, or a *ProtocolError when the request is malformed.
func (c *Client) Process() (State, error) {
	for {
		var (
			progressed bool
			err        error
		)
		switch c.state {
		case StateRequestLine:
			progressed, err = c.parseRequestLine()
		case StateHeaders:
			progressed, err = c.parseHeaderLine()
		case StateBody:
			if c.Request.Chunked {
				progressed, err = c.parseChunked()
			} else {
				progressed = c.parseFixedBody()
			}
		case StateTrailer:
			progressed, err = c.parseTrailerLine()
		case StateFinished:
			return StateFinished, nil
		}
		if err != nil {
			return c.state, err
		}
		if !progressed {
			return c.state, nil
		}
	}
}

// Reset prepares the client for another connection.
func (c *Client) Reset() {
	c.Request.Reset()
	c.Response.Reset()
	c.buf = c.buf[:0]
	c.pos = 0
	c.state = StateRequestLine
	c.headerBytes = 0
	c.phase = chunkSize
	c.chunkLeft = 0
	c.chunked = c.chunked[:0]
	c.hctx = Context{}
}

// Context returns the handler arguments for the parsed request.
func (c *Client) Context(ctx context.Context, remote net.Addr) *Context {
	c.hctx = Context{
		Request:  &c.Request,
		Response: &c.Response,
		ctx:      ctx,
		remote:   remote,
	}
	return &c.hctx
}

// line returns the next line and advances past it. Lines end at CRLF or a
// bare LF; the terminator is not part of the line.
func (c *Client) line() ([]byte, bool) {
	idx := bytes.IndexByte(c.buf[c.pos:], '\n')
	if idx < 0 {
		return nil, false
	}
	line := bytes.TrimSuffix(c.buf[c.pos:c.pos+idx], []byte{'\r'})
	c.pos += idx + 1
	return line, true
}

func isDigits(s []byte) bool {
	if len(s) == 0 {
		return false
	}
	for _, b := range s {
		if b < '0' || b > '9' {
			return false
		}
	}
	return true
}

func isHexDigits(s []byte) bool {
	if len(s) == 0 {
		return false
	}
	for _, b := range s {
		switch {
		case b >= '0' && b <= '9', b >= 'a' && b <= 'f', b >= 'A' && b <= 'F':
		default:
			return false
		}
	}
	return true
}

func (c *Client) headerLimit(consumed int) error {
	if c.limits.MaxHeaderBytes > 0 && c.headerBytes+consumed > c.limits.MaxHeaderBytes {
		return protocolError("header too large", nil)
	}
	return nil
}

func (c *Client) parseRequestLine() (bool, error) {
	start := c.pos
	line, ok := c.line()
	if !ok {
		return false, c.headerLimit(c.Buffered())
	}
	if err := c.headerLimit(c.pos - start); err != nil {
		return false, err
	}
	c.headerBytes += c.pos - start

	var tokens [3][]byte
	n := 0
	for rest := line; ; n++ {
		sp := bytes.IndexByte(rest, ' ')
		if sp < 0 {
			if n < 3 {
				tokens[n] = rest
			}
			n++
			break
		}
		if n < 3 {
			tokens[n] = rest[:sp]
		}
		rest = rest[sp+1:]
	}
	if n != 3 || len(tokens[0]) == 0 || len(tokens[1]) == 0 || len(tokens[2]) == 0 {
		return false, protocolError("malformed request line", nil)
	}

	c.Request.Method = string(tokens[0])
	c.Request.Target = string(tokens[1])
	c.Request.Version = string(tokens[2])
	c.state = StateHeaders
	return true, nil
}

// splitField parses "Name: value" with the name validated as an RFC 7230 token.
func splitField(line []byte) (string, string, bool) {
	colon := bytes.IndexByte(line, ':')
	if colon < 0 {
		return "", "", false
	}
	name := string(bytes.TrimSpace(line[:colon]))
	if !httpguts.ValidHeaderFieldName(name) {
		return "", "", false
	}
	return name, string(bytes.TrimSpace(line[colon+1:])), true
}

func (c *Client) parseHeaderLine() (bool, error) {
	start := c.pos
	line, ok := c.line()
	if !ok {
		return false, c.headerLimit(c.Buffered())
	}
	if err := c.headerLimit(c.pos - start); err != nil {
		return false, err
	}
	c.headerBytes += c.pos - start

	if len(line) == 0 {
		return true, c.endOfHeaders()
	}

	name, value, ok := splitField(line)
	if !ok {
		return false, protocolError("malformed header", nil)
	}
	c.Request.Header.Add(name, value)
	return true, nil
}

func (c *Client) endOfHeaders() error {
	req := &c.Request

	if te := req.Header.Values("Transfer-Encoding"); len(te) > 0 && httpguts.HeaderValuesContainsToken(te, "chunked") {
		req.Chunked = true
		c.phase = chunkSize
		c.state = StateBody
		return nil
	}

	if cl := req.Header.Values("Content-Length"); len(cl) > 0 {
		if !isDigits([]byte(cl[0])) {
			return protocolError("invalid Content-Length", nil)
		}
		n, err := strconv.ParseInt(cl[0], 10, 64)
		if err != nil {
			return protocolError("invalid Content-Length", err)
		}
		for _, v := range cl[1:] {
			if v != cl[0] {
				return protocolError("conflicting Content-Length", nil)
			}
		}
		if c.limits.MaxBodyBytes > 0 && n > c.limits.MaxBodyBytes {
			return protocolError("body too large", nil)
		}
		req.ContentLength = n
	}

	if req.ContentLength > 0 {
		c.state = StateBody
		return nil
	}
	c.state = StateFinished
	return nil
}

func (c *Client) parseFixedBody() bool {
	if int64(c.Buffered()) < c.Request.ContentLength {
		return false
	}
	n := int(c.Request.ContentLength)
	c.Request.Body = append(make([]byte, 0, n), c.buf[c.pos:c.pos+n]...)
	c.pos += n
	c.state = StateFinished
	return true
}

func (c *Client) parseChunked() (bool, error) {
	switch c.phase {
	case chunkSize:
		line, ok := c.line()
		if !ok {
			if c.Buffered() > maxChunkLineBytes {
				return false, protocolError("chunk size line too long", nil)
			}
			return false, nil
		}
		if len(line) > maxChunkLineBytes {
			return false, protocolError("chunk size line too long", nil)
		}
		if i := bytes.IndexByte(line, ';'); i >= 0 {
			line = bytes.TrimRight(line[:i], " \t")
		}
		if !isHexDigits(line) {
			return false, protocolError("malformed chunk size", nil)
		}
		size, err := strconv.ParseInt(string(line), 16, 64)
		if err != nil {
			return false, protocolError("malformed chunk size", err)
		}
		if size == 0 {
			c.state = StateTrailer
			return true, nil
		}
		if c.limits.MaxBodyBytes > 0 && int64(len(c.chunked))+size > c.limits.MaxBodyBytes {
			return false, protocolError("body too large", nil)
		}
		c.chunkLeft = size
		c.phase = chunkData
		return true, nil

	case chunkData:
		avail := int64(c.Buffered())
		if avail == 0 {
			return false, nil
		}
		take := min(avail, c.chunkLeft)
		c.chunked = append(c.chunked, c.buf[c.pos:c.pos+int(take)]...)
		c.pos += int(take)
		c.chunkLeft -= take
		if c.chunkLeft == 0 {
			c.phase = chunkDataEnd
		}
		return true, nil

	default:
		if c.Buffered() < 2 {
			return false, nil
		}
		if c.buf[c.pos] != '\r' || c.buf[c.pos+1] != '\n' {
			return false, protocolError("missing CRLF after chunk data", nil)
		}
		c.pos += 2
		c.phase = chunkSize
		return true, nil
	}
}

// parseTrailerLine counts trailer bytes against the header limit.
func (c *Client) parseTrailerLine() (bool, error) {
	start := c.pos
	line, ok := c.line()
	if !ok {
		return false, c.headerLimit(c.Buffered())
	}
	if err := c.headerLimit(c.pos - start); err != nil {
		return false, err
	}
	c.headerBytes += c.pos - start
	if len(line) == 0 {
		c.Request.Body = append(make([]byte, 0, len(c.chunked)), c.chunked...)
		c.state = StateFinished
		return true, nil
	}

	name, value, ok := splitField(line)
	if !ok {
		return false, protocolError("malformed trailer", nil)
	}
	c.Request.Trailer.Add(name, value)
	return true, nil
}
