// Package protocol defines the control channel messages.
//
// Commands flow from the host to the cache, notifications from the cache to subscribers.
// On the wire every message is a flat JSON object discriminated by its "type" field.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/always-cache/advanced-cache/pkg/metrics"
)

// ErrInvalidCommand is returned for control messages that cannot be executed.
var ErrInvalidCommand = errors.New("invalid command")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidCommand, fmt.Sprintf(format, args...))
}

// Command wire types
const (
	TypeGetMetrics        = "GET_PERFORMANCE_METRICS"
	TypeClearCache        = "CLEAR_ADVANCED_CACHE"
	TypeWarmCache         = "WARM_CACHE"
	TypeInvalidatePattern = "INVALIDATE_PATTERN"
)

// Notification wire types
const (
	TypeCacheHit           = "ADVANCED_CACHE_HIT"
	TypeCacheFallback      = "ADVANCED_CACHE_FALLBACK"
	TypeCacheUpdated       = "ADVANCED_CACHE_UPDATED"
	TypeCacheWarmed        = "CACHE_WARMED"
	TypeCacheCleared       = "ADVANCED_CACHE_CLEARED"
	TypePatternInvalidated = "CACHE_PATTERN_INVALIDATED"
	TypeMetricsSync        = "PERFORMANCE_METRICS_SYNC"
)

type Command interface {
	CommandType() string
	// Validate returns an error wrapping ErrInvalidCommand if the command cannot be executed.
	Validate() error
}

type GetMetrics struct{}

type ClearCache struct {
	// Empty clears every managed store.
	CacheName string `json:"cacheName,omitempty"`
}

type WarmCache struct {
	URLs []string `json:"urls"`
}

type InvalidatePattern struct {
	Pattern string `json:"pattern"`
}

func (GetMetrics) CommandType() string        { return TypeGetMetrics }
func (ClearCache) CommandType() string        { return TypeClearCache }
func (WarmCache) CommandType() string         { return TypeWarmCache }
func (InvalidatePattern) CommandType() string { return TypeInvalidatePattern }

func (GetMetrics) Validate() error { return nil }
func (ClearCache) Validate() error { return nil }

func (c WarmCache) Validate() error {
	if len(c.URLs) == 0 {
		return invalid("%s without urls", TypeWarmCache)
	}
	for i, url := range c.URLs {
		if url == "" {
			return invalid("%s url #%d is empty", TypeWarmCache, i)
		}
	}
	return nil
}

func (c InvalidatePattern) Validate() error {
	if c.Pattern == "" {
		return invalid("%s without pattern", TypeInvalidatePattern)
	}
	return nil
}

type Notification interface {
	NotificationType() string
}

// Entry identifies a served or stored entry.
type Entry struct {
	URL   string `json:"url"`
	Cache string `json:"cache"`
}

type CacheHit Entry
type CacheFallback Entry
type CacheUpdated Entry

type CacheWarmed struct {
	URLs []string `json:"urls"`
	// Number of urls attempted.
	Count int `json:"count"`
	// Number of urls stored.
	Stored int `json:"stored"`
}

type CacheCleared struct {
	CacheName string `json:"cacheName"`
}

// PatternInvalidated is sent once per deleted entry (URL and Cache set, Count 1)
// and once as a summary (URL and Cache empty, Count the number of deletions).
type PatternInvalidated struct {
	Pattern string `json:"pattern"`
	URL     string `json:"url,omitempty"`
	Cache   string `json:"cache,omitempty"`
	Count   int    `json:"count"`
}

func (n PatternInvalidated) Summary() bool {
	return n.URL == ""
}

type MetricsSync struct {
	Metrics metrics.Snapshot `json:"metrics"`
	// Unix milliseconds.
	Timestamp int64 `json:"timestamp"`
}

func (CacheHit) NotificationType() string           { return TypeCacheHit }
func (CacheFallback) NotificationType() string      { return TypeCacheFallback }
func (CacheUpdated) NotificationType() string       { return TypeCacheUpdated }
func (CacheWarmed) NotificationType() string        { return TypeCacheWarmed }
func (CacheCleared) NotificationType() string       { return TypeCacheCleared }
func (PatternInvalidated) NotificationType() string { return TypePatternInvalidated }
func (MetricsSync) NotificationType() string        { return TypeMetricsSync }

type envelope struct {
	Type string `json:"type"`
}

// DecodeCommand parses and validates a command.
func DecodeCommand(data []byte) (Command, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, invalid("malformed message: %v", err)
	}
	var cmd Command
	switch env.Type {
	case TypeGetMetrics:
		cmd = &GetMetrics{}
	case TypeClearCache:
		cmd = &ClearCache{}
	case TypeWarmCache:
		cmd = &WarmCache{}
	case TypeInvalidatePattern:
		cmd = &InvalidatePattern{}
	case "":
		return nil, invalid("missing type")
	default:
		return nil, invalid("unknown type %q", env.Type)
	}
	if err := json.Unmarshal(data, cmd); err != nil {
		return nil, invalid("malformed %s: %v", env.Type, err)
	}
	// hand out values, not pointers
	switch c := cmd.(type) {
	case *GetMetrics:
		cmd = *c
	case *ClearCache:
		cmd = *c
	case *WarmCache:
		cmd = *c
	case *InvalidatePattern:
		cmd = *c
	}
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	return cmd, nil
}

func EncodeNotification(n Notification) ([]byte, error) {
	return encode(n.NotificationType(), n)
}

// DecodeNotification parses a notification, mostly for clients and tests.
func DecodeNotification(data []byte) (Notification, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	var err error
	switch env.Type {
	case TypeCacheHit:
		var n CacheHit
		err = json.Unmarshal(data, &n)
		return n, err
	case TypeCacheFallback:
		var n CacheFallback
		err = json.Unmarshal(data, &n)
		return n, err
	case TypeCacheUpdated:
		var n CacheUpdated
		err = json.Unmarshal(data, &n)
		return n, err
	case TypeCacheWarmed:
		var n CacheWarmed
		err = json.Unmarshal(data, &n)
		return n, err
	case TypeCacheCleared:
		var n CacheCleared
		err = json.Unmarshal(data, &n)
		return n, err
	case TypePatternInvalidated:
		var n PatternInvalidated
		err = json.Unmarshal(data, &n)
		return n, err
	case TypeMetricsSync:
		var n MetricsSync
		err = json.Unmarshal(data, &n)
		return n, err
	}
	return nil, fmt.Errorf("unknown notification type %q", env.Type)
}

// encode flattens the message fields and its type into one object.
func encode(typ string, v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	fields["type"], _ = json.Marshal(typ)
	return json.Marshal(fields)
}
