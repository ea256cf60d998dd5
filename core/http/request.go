package http

import (
	"net/textproto"
	"strings"
)

// Header is a case-insensitive multimap of header fields.
// Keys are stored in canonical MIME form.
type Header map[string][]string

// Add appends value to the values of key.
func (h Header) Add(key, value string) {
	key = textproto.CanonicalMIMEHeaderKey(key)
	h[key] = append(h[key], value)
}

// Set replaces the values of key.
func (h Header) Set(key, value string) {
	h[textproto.CanonicalMIMEHeaderKey(key)] = []string{value}
}

// Get returns the first value of key, or "".
func (h Header) Get(key string) string {
	if v := h[textproto.CanonicalMIMEHeaderKey(key)]; len(v) > 0 {
		return v[0]
	}
	return ""
}

// Values returns all values of key.
func (h Header) Values(key string) []string {
	return h[textproto.CanonicalMIMEHeaderKey(key)]
}

// Has reports whether key is present.
func (h Header) Has(key string) bool {
	_, ok := h[textproto.CanonicalMIMEHeaderKey(key)]
	return ok
}

// Del removes key.
func (h Header) Del(key string) {
	delete(h, textproto.CanonicalMIMEHeaderKey(key))
}

func (h Header) reset() {
	for k := range h {
		delete(h, k)
	}
}

// Request is a parsed HTTP/1.1 request.
type Request struct {
	Method  string
	Target  string
	Version string

	Header Header

	// ContentLength is the declared Content-Length, -1 when absent.
	ContentLength int64
	Chunked       bool

	// Body is allocated once the whole fixed-length body has been buffered.
	Body []byte

	// Trailer holds fields received after the last chunk.
	Trailer Header

	query map[string]string
}

func newRequest() Request {
	return Request{
		Header:        make(Header, 16),
		Trailer:       make(Header),
		ContentLength: -1,
	}
}

// Reset clears the request for reuse (maps are emptied, not freed).
func (r *Request) Reset() {
	r.Method = ""
	r.Target = ""
	r.Version = ""
	r.Header.reset()
	r.Trailer.reset()
	r.ContentLength = -1
	r.Chunked = false
	r.Body = nil
	for k := range r.query {
		delete(r.query, k)
	}
}

// Path returns the request target without its query string.
func (r *Request) Path() string {
	if i := strings.IndexByte(r.Target, '?'); i >= 0 {
		return r.Target[:i]
	}
	return r.Target
}

// Query returns the first value of the query parameter key.
func (r *Request) Query(key string) string {
	i := strings.IndexByte(r.Target, '?')
	if i < 0 {
		return ""
	}
	if len(r.query) == 0 {
		if r.query == nil {
			r.query = make(map[string]string)
		}
		parseQuery(r.query, r.Target[i+1:])
	}
	return r.query[key]
}

// parseQuery splits a raw query into m. Values are taken verbatim; the first
// occurrence of a key wins.
func parseQuery(m map[string]string, raw string) {
	for raw != "" {
		var pair string
		pair, raw, _ = strings.Cut(raw, "&")
		if pair == "" {
			continue
		}
		k, v, _ := strings.Cut(pair, "=")
		if _, ok := m[k]; !ok {
			m[k] = v
		}
	}
}
