package http

import (
	"strconv"
	"strings"
)

const defaultProto = "HTTP/1.1"

// BuildResponse serializes r into a new buffer.
func BuildResponse(r *Response) []byte {
	return AppendResponse(make([]byte, 0, 256+r.Body.Len()), r)
}

// AppendResponse appends the wire form of r to dst. r is not modified.
//
// Headers are written in insertion order. A non-empty body forces
// Content-Length to the body size, replacing the handler's value in place or
// appending it. A Date header is appended when the handler set none.
func AppendResponse(dst []byte, r *Response) []byte {
	return appendResponse(dst, r, currentDate())
}

func appendResponse(dst []byte, r *Response, date []byte) []byte {
	proto := r.Proto
	if proto == "" {
		proto = defaultProto
	}
	status := r.Status
	if status == 0 {
		status = 200
	}
	reason := r.Reason
	if reason == "" {
		reason = statusText(status)
	}

	dst = append(dst, proto...)
	dst = append(dst, ' ')
	dst = strconv.AppendInt(dst, int64(status), 10)
	dst = append(dst, ' ')
	dst = append(dst, reason...)
	dst = append(dst, "\r\n"...)

	body := r.Body.Bytes()
	setLength := len(body) > 0
	wroteLength := false
	hasDate := false

	for _, f := range r.Header {
		if setLength && strings.EqualFold(f.Name, "Content-Length") {
			if !wroteLength {
				dst = appendContentLength(dst, len(body))
				wroteLength = true
			}
			continue
		}
		if strings.EqualFold(f.Name, "Date") {
			hasDate = true
		}
		dst = appendField(dst, f.Name, f.Value)
	}

	if setLength && !wroteLength {
		dst = appendContentLength(dst, len(body))
	}
	if !hasDate {
		dst = append(dst, "Date: "...)
		dst = append(dst, date...)
		dst = append(dst, "\r\n"...)
	}

	dst = append(dst, "\r\n"...)
	return append(dst, body...)
}

func appendField(dst []byte, name, value string) []byte {
	dst = append(dst, name...)
	dst = append(dst, ": "...)
	dst = append(dst, value...)
	return append(dst, "\r\n"...)
}

func appendContentLength(dst []byte, n int) []byte {
	dst = append(dst, "Content-Length: "...)
	dst = strconv.AppendInt(dst, int64(n), 10)
	return append(dst, "\r\n"...)
}
