package advancedcache

import (
	"context"
	"testing"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/always-cache/advanced-cache/cache"
	"github.com/always-cache/advanced-cache/pkg/rules"
)

func TestSweepEvictsExpiredEntries(t *testing.T) {
	m, clk := newTestManager(t, rules.Rules{{Strategy: rules.CacheFirst, Cache: "static"}}, newOrigin("x"))
	store, _ := m.provider.Open("test-static-v1.0.0")
	now := clk.Now()
	store.Put("GET:/old", entryWithBody("old", now.Add(-8*24*time.Hour)))
	store.Put("GET:/new", entryWithBody("new", now.Add(-time.Hour)))
	store.Put("GET:/unknown", cache.Entry{StatusCode: 200, Body: []byte("?")})

	report, err := m.Sweep(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.Stores != 1 || report.Scanned != 3 || report.Evicted != 2 {
		t.Fatalf("Report is %+v", report)
	}
	if keys := storeKeys(t, m, "test-static-v1.0.0"); len(keys) != 1 || keys[0] != "GET:/new" {
		t.Fatalf("Remaining keys are %v", keys)
	}
}

func TestSweepReclaimsOrphanedStores(t *testing.T) {
	m, clk := newTestManager(t, nil, newOrigin("x"))
	for _, name := range []string{"test-static-v0.9.0", "test-static-v1.0.0", "other-static-v0.9.0"} {
		store, _ := m.provider.Open(name)
		store.Put("GET:/", entryWithBody("x", clk.Now()))
	}

	report, err := m.Sweep(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Orphaned) != 1 || report.Orphaned[0] != "test-static-v0.9.0" {
		t.Fatalf("Orphaned stores are %v", report.Orphaned)
	}
	stores, _ := m.provider.Stores()
	if len(stores) != 2 {
		t.Fatalf("Stores are %v", stores)
	}
	// foreign stores are left alone
	if report.Stores != 1 {
		t.Fatalf("Swept %d stores", report.Stores)
	}
}

func TestSweepKeepsPinnedRuleStores(t *testing.T) {
	m, clk := newTestManager(t, rules.Rules{{Strategy: rules.CacheFirst, Cache: "test-static-v0.9.0"}}, newOrigin("x"))
	for _, name := range []string{"test-static-v0.9.0", "test-pages-v0.9.0"} {
		store, _ := m.provider.Open(name)
		store.Put("GET:/", entryWithBody("x", clk.Now()))
	}

	report, err := m.Sweep(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Orphaned) != 1 || report.Orphaned[0] != "test-pages-v0.9.0" {
		t.Fatalf("Orphaned stores are %v", report.Orphaned)
	}
	if keys := storeKeys(t, m, "test-static-v0.9.0"); len(keys) != 1 {
		t.Fatalf("Keys of pinned store are %v", keys)
	}
	if report.Stores != 1 {
		t.Fatalf("Swept %d stores", report.Stores)
	}
}

func TestSweepUsesRetention(t *testing.T) {
	clk := newClock()
	logger := testLogger()
	m, err := New(Config{
		App:            "test",
		Version:        semver.MustParse("2.0.0"),
		Retention:      time.Minute,
		DisableSweeper: true,
		Logger:         &logger,
		Now:            clk.Now,
	})
	if err != nil {
		t.Fatal(err)
	}
	store, _ := m.provider.Open("test-static-v2.0.0")
	store.Put("GET:/", entryWithBody("x", clk.Now()))

	clk.Advance(59 * time.Second)
	if report, _ := m.Sweep(context.Background()); report.Evicted != 0 {
		t.Fatalf("Evicted %d before retention", report.Evicted)
	}
	clk.Advance(2 * time.Second)
	if report, _ := m.Sweep(context.Background()); report.Evicted != 1 {
		t.Fatalf("Evicted %d after retention", report.Evicted)
	}
}

func TestSweepStopsWhenCancelled(t *testing.T) {
	m, clk := newTestManager(t, nil, newOrigin("x"))
	store, _ := m.provider.Open("test-static-v1.0.0")
	store.Put("GET:/", entryWithBody("x", clk.Now().Add(-30*24*time.Hour)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.Sweep(ctx); err != context.Canceled {
		t.Fatalf("Error is %v", err)
	}
	if keys := storeKeys(t, m, "test-static-v1.0.0"); len(keys) != 1 {
		t.Fatalf("Keys are %v", keys)
	}
}

func TestNamedJobRecoversPanics(t *testing.T) {
	ran := false
	job := namedJob{ctx: context.Background(), name: "panicky", log: testLogger(), run: func(ctx context.Context) error {
		ran = true
		panic("boom")
	}}
	job.Run()
	if !ran {
		t.Fatal("Job did not run")
	}
}

func TestCronLoggerFields(t *testing.T) {
	f := fields([]interface{}{"entry", 1, "next", "soon", "dangling"})
	if len(f) != 2 || f["entry"] != 1 || f["next"] != "soon" {
		t.Fatalf("Fields are %v", f)
	}
}
