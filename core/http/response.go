package http

import (
	"bytes"
	"strings"
)

// Field is one response header line.
type Field struct {
	Name  string
	Value string
}

// HeaderList is an ordered list of response header fields. Names compare
// case-insensitively; insertion order is the wire order.
type HeaderList []Field

// Add appends a field, keeping any existing field with the same name.
func (h *HeaderList) Add(name, value string) {
	*h = append(*h, Field{Name: name, Value: value})
}

// Set overwrites the first field named name in place and drops later
// duplicates, or appends a new field.
func (h *HeaderList) Set(name, value string) {
	list := *h
	for i := range list {
		if !strings.EqualFold(list[i].Name, name) {
			continue
		}
		list[i].Value = value
		kept := list[:i+1]
		for _, f := range list[i+1:] {
			if !strings.EqualFold(f.Name, name) {
				kept = append(kept, f)
			}
		}
		*h = kept
		return
	}
	h.Add(name, value)
}

// Get returns the value of the first field named name.
func (h HeaderList) Get(name string) string {
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

// Has reports whether a field named name exists.
func (h HeaderList) Has(name string) bool {
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			return true
		}
	}
	return false
}

// Del removes every field named name.
func (h *HeaderList) Del(name string) {
	kept := (*h)[:0]
	for _, f := range *h {
		if !strings.EqualFold(f.Name, name) {
			kept = append(kept, f)
		}
	}
	*h = kept
}

// Response is built by the handler and serialized once it returns.
type Response struct {
	// Status defaults to 200 when left zero.
	Status int
	// Reason defaults to the standard phrase for Status.
	Reason string
	// Proto defaults to HTTP/1.1.
	Proto string

	Header HeaderList
	Body   bytes.Buffer
}

// Write appends p to the body.
func (r *Response) Write(p []byte) (int, error) {
	return r.Body.Write(p)
}

// WriteString appends s to the body.
func (r *Response) WriteString(s string) (int, error) {
	return r.Body.WriteString(s)
}

// Reset clears the response, keeping header and body capacity.
func (r *Response) Reset() {
	r.Status = 0
	r.Reason = ""
	r.Proto = ""
	r.Header = r.Header[:0]
	r.Body.Reset()
}
