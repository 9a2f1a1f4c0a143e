package rules

import (
	"bytes"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

func intPtr(i int) *int { return &i }

var table = Rules{
	{Pattern: MustPattern(`\.(css|js)$`), Strategy: CacheFirst, Cache: "static", MaxAge: intPtr(60)},
	{Prefix: "/api/", Strategy: NetworkFirst, Cache: "api"},
	{Pattern: MustPattern(`^/$`), Strategy: StaleWhileRevalidate, Cache: "pages"},
	{Prefix: "/contact", Strategy: NetworkOnly},
}

func TestFirstMatchWins(t *testing.T) {
	rule := table.Find("/api/app.js")
	if rule == nil || rule.Strategy != CacheFirst {
		t.Fatalf("Matched %+v", rule)
	}
}

func TestPrefixComparesPath(t *testing.T) {
	rule := table.Find("/api/users?id=1")
	if rule == nil || rule.Cache != "api" {
		t.Fatalf("Matched %+v", rule)
	}
	rule = table.Find("http://example.com/api/users")
	if rule == nil || rule.Cache != "api" {
		t.Fatalf("Absolute url matched %+v", rule)
	}
}

func TestNoMatch(t *testing.T) {
	if rule := table.Find("/about"); rule != nil {
		t.Fatalf("Matched %+v", rule)
	}
}

func TestFindIsDeterministic(t *testing.T) {
	for i := 0; i < 10; i++ {
		if rule := table.Find("/"); rule != &table[2] {
			t.Fatalf("Matched %+v", rule)
		}
	}
}

func TestValidate(t *testing.T) {
	if err := table.Validate(); err != nil {
		t.Fatal(err)
	}
	bad := Rules{{Strategy: "cache-last", Cache: "x"}}
	if err := bad.Validate(); !errors.Is(err, ErrUnknownStrategy) {
		t.Fatalf("Error is %v", err)
	}
	noCache := Rules{{Strategy: CacheFirst}}
	if err := noCache.Validate(); err == nil {
		t.Fatal("Expected error for caching rule without cache")
	}
}

func TestUnmarshalYaml(t *testing.T) {
	src := `
- pattern: '\.css$'
  strategy: cache-first
  cache: static
  maxAge: 30
- prefix: /contact
  strategy: network-only
`
	var rules Rules
	if err := yaml.Unmarshal([]byte(src), &rules); err != nil {
		t.Fatal(err)
	}
	if len(rules) != 2 {
		t.Fatalf("Got %d rules", len(rules))
	}
	if rules[0].MaxAge == nil || *rules[0].MaxAge != 30 {
		t.Fatalf("MaxAge is %v", rules[0].MaxAge)
	}
	if rules[1].MaxAge != nil {
		t.Fatalf("MaxAge should be nil, is %v", *rules[1].MaxAge)
	}
	if rule := rules.Find("/main.css"); rule != &rules[0] {
		t.Fatalf("Matched %+v", rule)
	}
}

func TestInvalidPatternFailsToUnmarshal(t *testing.T) {
	var rules Rules
	if err := yaml.Unmarshal([]byte("- pattern: '('\n  strategy: network-only\n"), &rules); err == nil {
		t.Fatal("Expected error")
	}
}

func TestIndex(t *testing.T) {
	if i := table.Index("/contact/form"); i != 3 {
		t.Fatalf("Index is %d", i)
	}
	if i := table.Index("/about"); i != -1 {
		t.Fatalf("Index is %d", i)
	}
}

func TestMaxAgeString(t *testing.T) {
	if s := table[0].MaxAgeString(); s != "60s" {
		t.Fatalf("Max age is %s", s)
	}
	if s := table[1].MaxAgeString(); s != "none" {
		t.Fatalf("Max age is %s", s)
	}
}

func TestIndexDoesNotLog(t *testing.T) {
	var buf bytes.Buffer
	global := log.Logger
	log.Logger = zerolog.New(&buf).Level(zerolog.TraceLevel)
	defer func() { log.Logger = global }()

	table.Index("/api/users")
	table.Index("/nowhere")
	if buf.Len() != 0 {
		t.Fatalf("Index logged %s", buf.String())
	}
}
