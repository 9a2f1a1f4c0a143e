package advancedcache

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"testing"
	"time"

	"github.com/always-cache/advanced-cache/pkg/protocol"
	"github.com/always-cache/advanced-cache/pkg/rules"
)

func sendCommand(t *testing.T, m *CacheManager, cmd protocol.Command) protocol.Notification {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	n, err := m.Send(ctx, cmd)
	if err != nil {
		t.Fatalf("%s: %v", cmd.CommandType(), err)
	}
	return n
}

func storeKeys(t *testing.T, m *CacheManager, name string) []string {
	t.Helper()
	store, err := m.provider.Open(name)
	if err != nil {
		t.Fatal(err)
	}
	var keys []string
	if err := store.Keys(func(key string) bool {
		keys = append(keys, key)
		return true
	}); err != nil {
		t.Fatal(err)
	}
	return keys
}

func TestInvalidationIdempotence(t *testing.T) {
	o := newOrigin("x")
	m, _ := newTestManager(t, rules.Rules{
		{Prefix: "/api/", Strategy: rules.NetworkFirst, Cache: "api"},
		{Strategy: rules.CacheFirst, Cache: "static"},
	}, o)

	for _, url := range []string{"/api/users/1", "/api/users/2", "/api/orders", "/users.css"} {
		mustGet(t, m, url)
	}
	sub := m.Subscribe()

	n := sendCommand(t, m, protocol.InvalidatePattern{Pattern: "/users"})
	if n != (protocol.PatternInvalidated{Pattern: "/users", Count: 3}) {
		t.Fatalf("First invalidation reply is %+v", n)
	}
	var urls []string
	for len(urls) < 3 {
		pi := (<-sub.C()).(protocol.PatternInvalidated)
		if pi.Summary() {
			t.Fatalf("Summary before entries: %+v", pi)
		}
		urls = append(urls, pi.URL)
	}
	sort.Strings(urls)
	if urls[0] != "/api/users/1" || urls[1] != "/api/users/2" || urls[2] != "/users.css" {
		t.Fatalf("Invalidated urls are %v", urls)
	}
	if summary := (<-sub.C()).(protocol.PatternInvalidated); !summary.Summary() || summary.Count != 3 {
		t.Fatalf("Summary is %+v", summary)
	}

	n = sendCommand(t, m, protocol.InvalidatePattern{Pattern: "/users"})
	if n.(protocol.PatternInvalidated).Count != 0 {
		t.Fatalf("Second invalidation reply is %+v", n)
	}
	if keys := storeKeys(t, m, "test-api-v1.0.0"); len(keys) != 1 || keys[0] != "GET:/api/orders" {
		t.Fatalf("Remaining keys are %v", keys)
	}
}

func TestWarmThenRead(t *testing.T) {
	o := newOrigin("warm")
	m, _ := newTestManager(t, rules.Rules{
		{Prefix: "/static/", Strategy: rules.CacheFirst, Cache: "static"},
	}, o)

	n := sendCommand(t, m, protocol.WarmCache{URLs: []string{"/static/a.js", "/static/b.js", "/other"}})
	warmed := n.(protocol.CacheWarmed)
	if warmed.Count != 3 || warmed.Stored != 3 {
		t.Fatalf("Warm reply is %+v", warmed)
	}
	if keys := storeKeys(t, m, "test-static-v1.0.0"); len(keys) != 2 {
		t.Fatalf("Static keys are %v", keys)
	}
	if keys := storeKeys(t, m, "test-warm-v1.0.0"); len(keys) != 1 || keys[0] != "GET:/other" {
		t.Fatalf("Warm keys are %v", keys)
	}

	calls := o.count()
	body, result := mustGet(t, m, "/static/a.js")
	if body != "warm" || !result.Status.IsHit() || o.count() != calls {
		t.Fatalf("Read after warm is %s (%s), %d origin calls", body, result.Status, o.count()-calls)
	}
}

func TestWarmSkipsFailingURLs(t *testing.T) {
	o := newOrigin("x")
	o.offline.Store(true)
	m, _ := newTestManager(t, rules.Rules{{Strategy: rules.CacheFirst, Cache: "static"}}, o)

	warmed := sendCommand(t, m, protocol.WarmCache{URLs: []string{"/a", "/b"}}).(protocol.CacheWarmed)
	if warmed.Count != 2 || warmed.Stored != 0 {
		t.Fatalf("Warm reply is %+v", warmed)
	}
}

func TestWarmWithoutFetcherFails(t *testing.T) {
	m, _ := newTestManager(t, rules.Rules{{Strategy: rules.CacheFirst, Cache: "static"}}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := m.Send(ctx, protocol.WarmCache{URLs: []string{"/a"}}); !errors.Is(err, errNoFetcher) {
		t.Fatalf("Error is %v", err)
	}
}

func TestClearCache(t *testing.T) {
	o := newOrigin("x")
	m, _ := newTestManager(t, rules.Rules{
		{Prefix: "/api/", Strategy: rules.NetworkFirst, Cache: "api"},
		{Strategy: rules.CacheFirst, Cache: "static"},
	}, o)
	mustGet(t, m, "/api/a")
	mustGet(t, m, "/b")

	n := sendCommand(t, m, protocol.ClearCache{CacheName: "test-api-v1.0.0"})
	if n != (protocol.CacheCleared{CacheName: "test-api-v1.0.0"}) {
		t.Fatalf("Clear reply is %+v", n)
	}
	stores, _ := m.provider.Stores()
	if len(stores) != 1 || stores[0] != "test-static-v1.0.0" {
		t.Fatalf("Stores after clear are %v", stores)
	}

	// clearing a missing store is not an error
	sendCommand(t, m, protocol.ClearCache{CacheName: "test-api-v1.0.0"})

	if n := sendCommand(t, m, protocol.ClearCache{}); n != (protocol.CacheCleared{}) {
		t.Fatalf("Clear all reply is %+v", n)
	}
	if stores, _ := m.provider.Stores(); len(stores) != 0 {
		t.Fatalf("Stores after clear all are %v", stores)
	}
}

func TestClearAllKeepsForeignStores(t *testing.T) {
	m, _ := newTestManager(t, nil, newOrigin("x"))
	foreign, _ := m.provider.Open("other-static-v1.0.0")
	foreign.Put("GET:/", entryWithBody("x", time.Now()))
	own, _ := m.provider.Open("test-static-v1.0.0")
	own.Put("GET:/", entryWithBody("x", time.Now()))

	sendCommand(t, m, protocol.ClearCache{})
	if stores, _ := m.provider.Stores(); len(stores) != 1 || stores[0] != "other-static-v1.0.0" {
		t.Fatalf("Stores are %v", stores)
	}
}

func TestGetMetricsCommand(t *testing.T) {
	o := newOrigin("x")
	m, clk := newTestManager(t, rules.Rules{{Strategy: rules.CacheFirst, Cache: "static"}}, o)
	mustGet(t, m, "/a")
	mustGet(t, m, "/a")

	n := sendCommand(t, m, protocol.GetMetrics{}).(protocol.MetricsSync)
	if n.Metrics != m.Metrics() || n.Timestamp != clk.Now().UnixMilli() {
		t.Fatalf("Metrics reply is %+v", n)
	}
	if n.Metrics.CacheHits != 1 || n.Metrics.NetworkRequests != 1 || n.Metrics.TotalRequests != 2 {
		t.Fatalf("Metrics are %+v", n.Metrics)
	}
}

func TestSendRejectsInvalidCommands(t *testing.T) {
	m, _ := newTestManager(t, nil, newOrigin("x"))
	ctx := context.Background()
	if _, err := m.Send(ctx, protocol.InvalidatePattern{}); !errors.Is(err, protocol.ErrInvalidCommand) {
		t.Fatalf("Empty pattern error is %v", err)
	}
	if _, err := m.Send(ctx, nil); !errors.Is(err, protocol.ErrInvalidCommand) {
		t.Fatalf("Nil command error is %v", err)
	}
}

func TestSendAfterShutdown(t *testing.T) {
	m, _ := newTestManager(t, nil, newOrigin("x"))
	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Send(context.Background(), protocol.GetMetrics{}); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("Error is %v", err)
	}
	if _, err := get(t, m, "/"); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("Handle error is %v", err)
	}
}

func TestCommandsBroadcastReplies(t *testing.T) {
	m, _ := newTestManager(t, nil, newOrigin("x"))
	sub := m.Subscribe()
	defer m.Unsubscribe(sub)

	sendCommand(t, m, protocol.ClearCache{CacheName: "test-static-v1.0.0"})
	select {
	case n := <-sub.C():
		if n != (protocol.CacheCleared{CacheName: "test-static-v1.0.0"}) {
			t.Fatalf("Notification is %+v", n)
		}
	case <-time.After(time.Second):
		t.Fatal("No notification")
	}
}

func TestMetricsSyncIsScheduled(t *testing.T) {
	logger := testLogger()
	m, err := New(Config{
		Fetcher:             HandlerFetcher{Handler: http.NotFoundHandler()},
		DisableSweeper:      true,
		MetricsSyncInterval: 10 * time.Millisecond,
		Logger:              &logger,
	})
	if err != nil {
		t.Fatal(err)
	}
	sub := m.Subscribe()
	m.Init()
	defer m.Shutdown(context.Background())

	select {
	case n := <-sub.C():
		if _, ok := n.(protocol.MetricsSync); !ok {
			t.Fatalf("Notification is %+v", n)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("No metrics sync")
	}
}
