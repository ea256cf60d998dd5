package http

import (
	"sync/atomic"
	"time"
)

// DateLayout is the RFC 7231 IMF-fixdate format.
const DateLayout = "Mon, 02 Jan 2006 15:04:05 GMT"

type cachedDate struct {
	unix  int64
	value []byte
}

var dateCache atomic.Pointer[cachedDate]

// AppendDate appends t formatted as an HTTP date.
func AppendDate(dst []byte, t time.Time) []byte {
	return t.UTC().AppendFormat(dst, DateLayout)
}

// currentDate returns the formatted current time, rebuilt at most once per second.
func currentDate() []byte {
	now := time.Now()
	sec := now.Unix()
	if d := dateCache.Load(); d != nil && d.unix == sec {
		return d.value
	}
	d := &cachedDate{unix: sec, value: AppendDate(make([]byte, 0, len(DateLayout)), now)}
	dateCache.Store(d)
	return d.value
}
