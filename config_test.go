package advancedcache

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/always-cache/advanced-cache/pkg/rules"
	"github.com/always-cache/advanced-cache/pkg/storename"
)

const testConfig = `
app: shop
version: 2.1.0
retention: 48h
sweepSchedule: "@every 30m"
metricsSyncInterval: 5s
origin: https://10.0.0.1
host: shop.example.com
rules:
  - prefix: /static/
    strategy: cache-first
    cache: static
    maxAge: 86400
  - pattern: ^/api/
    strategy: network-first
    cache: api
    maxAge: 60
  - prefix: /
    strategy: stale-while-revalidate
    cache: pages
  - pattern: /checkout
    strategy: network-only
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	filename := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(filename, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return filename
}

func TestReadConfig(t *testing.T) {
	config, err := ReadConfig(writeConfig(t, testConfig))
	if err != nil {
		t.Fatal(err)
	}
	if config.App != "shop" || config.Retention != 48*time.Hour || config.MetricsSyncInterval != 5*time.Second {
		t.Fatalf("Config is %+v", config)
	}
	if len(config.Rules) != 4 || config.Rules[1].Strategy != rules.NetworkFirst || *config.Rules[0].MaxAge != 86400 {
		t.Fatalf("Rules are %+v", config.Rules)
	}
	origin, err := config.OriginURL()
	if err != nil || origin.Host != "10.0.0.1" {
		t.Fatalf("Origin is %v (%v)", origin, err)
	}

	mc, err := config.ManagerConfig()
	if err != nil {
		t.Fatal(err)
	}
	logger := testLogger()
	mc.Logger = &logger
	mc.DisableSweeper = true
	m, err := New(mc)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"shop-static-v2.1.0", "shop-api-v2.1.0", "shop-pages-v2.1.0", ""}
	for i, store := range m.ruleStores {
		if store != want[i] {
			t.Fatalf("Store of rule %d is %s", i, store)
		}
	}
}

func TestReadConfigRejectsInvalid(t *testing.T) {
	tests := map[string]string{
		"version":  "version: one",
		"rc":       "version: 1.2.0-rc.1",
		"build":    "version: 1.2.0+build.7",
		"schedule": "sweepSchedule: sometimes",
		"origin":   "origin: /relative",
		"rule":     "rules:\n  - strategy: cache-first",
		"strategy": "rules:\n  - strategy: cache-last\n    cache: x",
		"pattern":  "rules:\n  - pattern: \"[\"\n    strategy: network-only",
	}
	for name, content := range tests {
		if _, err := ReadConfig(writeConfig(t, content)); err == nil {
			t.Errorf("%s: no error", name)
		}
	}
}

func TestReadConfigMissingFile(t *testing.T) {
	_, err := ReadConfig(filepath.Join(t.TempDir(), "missing.yml"))
	if err == nil || !strings.Contains(err.Error(), "missing.yml") {
		t.Fatalf("Error is %v", err)
	}
}

func TestNewRejectsDashedApp(t *testing.T) {
	if _, err := New(Config{App: "my-app"}); err == nil {
		t.Fatal("No error for dashed app name")
	}
}

func TestNewRejectsPrereleaseVersion(t *testing.T) {
	_, err := New(Config{Version: semver.MustParse("1.2.0-rc.1")})
	if !errors.Is(err, storename.ErrUnsupportedVersion) {
		t.Fatalf("Error is %v", err)
	}
}
