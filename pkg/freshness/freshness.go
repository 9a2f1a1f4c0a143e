// Package freshness decides whether a stored entry is still usable under a rule's max age.
package freshness

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/always-cache/advanced-cache/cache"
)

// StoredAtHeader carries the storage time (unix seconds) on serialized entries.
const StoredAtHeader = "Acache-Stored-At"

// StoredAt returns the time the entry was stored.
// Entries without a stored timestamp fall back to the StoredAtHeader and then to the Date header.
// The second return value is false when the age cannot be determined.
func StoredAt(entry cache.Entry) (time.Time, bool) {
	if !entry.StoredAt.IsZero() {
		return entry.StoredAt, true
	}
	if v := header(entry, StoredAtHeader); v != "" {
		if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
			return time.Unix(secs, 0), true
		}
	}
	if v := header(entry, "Date"); v != "" {
		if date, err := HttpDate(v); err == nil {
			return date, true
		}
	}
	return time.Time{}, false
}

// Age returns the age of the entry at now.
func Age(entry cache.Entry, now time.Time) (time.Duration, bool) {
	storedAt, ok := StoredAt(entry)
	if !ok {
		return 0, false
	}
	return now.Sub(storedAt), true
}

// IsStale reports whether the entry is older than maxAgeSeconds.
// A nil max age never goes stale. With a max age set, entries of unknown age are stale.
func IsStale(entry cache.Entry, maxAgeSeconds *int, now time.Time) bool {
	if maxAgeSeconds == nil {
		return false
	}
	age, ok := Age(entry, now)
	if !ok {
		return true
	}
	return age > time.Duration(*maxAgeSeconds)*time.Second
}

// SetAge sets the Age header of a response served from the entry.
// The value is the whole number of seconds since the entry was stored, never negative.
// Without a known storage time the header is removed.
func SetAge(h http.Header, entry cache.Entry, now time.Time) {
	age, ok := Age(entry, now)
	if !ok {
		h.Del("Age")
		return
	}
	if age < 0 {
		age = 0
	}
	h.Set("Age", strconv.FormatInt(int64(age/time.Second), 10))
}

// header looks up a header case-insensitively, entries keep whatever casing they were stored with.
func header(entry cache.Entry, name string) string {
	if v, ok := entry.Headers[name]; ok {
		return v
	}
	for k, v := range entry.Headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}
