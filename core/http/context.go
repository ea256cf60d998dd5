package http

import (
	"context"
	"encoding/json"
	"net"
	"strconv"
)

// HandlerFunc handles one parsed request by filling in the response.
type HandlerFunc func(c *Context)

// Context carries the handler arguments: the parsed request and the response
// to populate. It is owned by the connection and valid only during the call.
type Context struct {
	Request  *Request
	Response *Response

	ctx    context.Context
	remote net.Addr
}

// NewContext builds handler arguments outside of a connection, mostly for tests.
func NewContext(ctx context.Context, req *Request, resp *Response, remote net.Addr) *Context {
	return &Context{Request: req, Response: resp, ctx: ctx, remote: remote}
}

// Context returns the request context.
func (c *Context) Context() context.Context {
	if c.ctx == nil {
		return context.Background()
	}
	return c.ctx
}

// WithContext replaces the request context.
func (c *Context) WithContext(ctx context.Context) {
	c.ctx = ctx
}

// RemoteAddr returns the peer address, if known.
func (c *Context) RemoteAddr() net.Addr { return c.remote }

// Method returns the HTTP method
func (c *Context) Method() string { return c.Request.Method }

// Path returns the request path
func (c *Context) Path() string { return c.Request.Path() }

// Query gets a query parameter
func (c *Context) Query(key string) string { return c.Request.Query(key) }

// Header gets a request header
func (c *Context) Header(key string) string { return c.Request.Header.Get(key) }

// Body returns the request body
func (c *Context) Body() []byte { return c.Request.Body }

// Bind decodes a JSON body into v.
func (c *Context) Bind(v any) error {
	return json.Unmarshal(c.Request.Body, v)
}

// SetHeader sets a response header, replacing an existing value.
func (c *Context) SetHeader(name, value string) {
	c.Response.Header.Set(name, value)
}

// Status sets the response status code.
func (c *Context) Status(code int) {
	c.Response.Status = code
}

// String sends a text response
func (c *Context) String(code int, s string) {
	c.Data(code, "text/plain; charset=utf-8", []byte(s))
}

// JSON sends a JSON response
func (c *Context) JSON(code int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.String(500, "JSON marshal error")
		return
	}
	c.Data(code, "application/json", data)
}

// Bytes sends a raw bytes response
func (c *Context) Bytes(code int, data []byte) {
	c.Data(code, "application/octet-stream", data)
}

// Data replaces the response body with data.
func (c *Context) Data(code int, contentType string, data []byte) {
	c.Response.Status = code
	c.Response.Header.Set("Content-Type", contentType)
	c.Response.Body.Reset()
	c.Response.Body.Write(data)
}

// Error sends a JSON error response
func (c *Context) Error(code int, message string) {
	c.JSON(code, map[string]any{
		"code":    code,
		"message": message,
	})
}

// Success sends a JSON success envelope
func (c *Context) Success(data any) {
	c.JSON(200, map[string]any{
		"code":    0,
		"message": "success",
		"data":    data,
	})
}

// statusText returns the reason phrase for code.
func statusText(code int) string {
	switch code {
	case 100:
		return "Continue"
	case 101:
		return "Switching Protocols"
	case 200:
		return "OK"
	case 201:
		return "Created"
	case 202:
		return "Accepted"
	case 204:
		return "No Content"
	case 206:
		return "Partial Content"
	case 301:
		return "Moved Permanently"
	case 302:
		return "Found"
	case 303:
		return "See Other"
	case 304:
		return "Not Modified"
	case 307:
		return "Temporary Redirect"
	case 308:
		return "Permanent Redirect"
	case 400:
		return "Bad Request"
	case 401:
		return "Unauthorized"
	case 403:
		return "Forbidden"
	case 404:
		return "Not Found"
	case 405:
		return "Method Not Allowed"
	case 408:
		return "Request Timeout"
	case 409:
		return "Conflict"
	case 411:
		return "Length Required"
	case 413:
		return "Payload Too Large"
	case 415:
		return "Unsupported Media Type"
	case 429:
		return "Too Many Requests"
	case 431:
		return "Request Header Fields Too Large"
	case 500:
		return "Internal Server Error"
	case 501:
		return "Not Implemented"
	case 502:
		return "Bad Gateway"
	case 503:
		return "Service Unavailable"
	case 504:
		return "Gateway Timeout"
	case 505:
		return "HTTP Version Not Supported"
	default:
		return "Status " + strconv.Itoa(code)
	}
}

// StatusText returns the standard reason phrase for code.
func StatusText(code int) string { return statusText(code) }
