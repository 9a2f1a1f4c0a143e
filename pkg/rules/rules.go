package rules

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// Strategy selects the algorithm used to serve a matched request.
type Strategy string

const (
	CacheFirst           Strategy = "cache-first"
	NetworkFirst         Strategy = "network-first"
	StaleWhileRevalidate Strategy = "stale-while-revalidate"
	NetworkOnly          Strategy = "network-only"
)

var ErrUnknownStrategy = errors.New("unknown strategy")

func (s Strategy) Valid() bool {
	switch s {
	case CacheFirst, NetworkFirst, StaleWhileRevalidate, NetworkOnly:
		return true
	}
	return false
}

// Caches reports whether the strategy reads or writes a store.
func (s Strategy) Caches() bool {
	return s.Valid() && s != NetworkOnly
}

// Pattern is a regular expression that can be read from yaml or text.
type Pattern struct {
	*regexp.Regexp
}

func MustPattern(expr string) Pattern {
	return Pattern{regexp.MustCompile(expr)}
}

func (p *Pattern) UnmarshalText(text []byte) error {
	re, err := regexp.Compile(string(text))
	if err != nil {
		return err
	}
	p.Regexp = re
	return nil
}

func (p Pattern) MarshalText() ([]byte, error) {
	if p.Regexp == nil {
		return nil, nil
	}
	return []byte(p.String()), nil
}

type Rules []Rule

type Rule struct {
	Pattern  Pattern  `yaml:"pattern"`
	Prefix   string   `yaml:"prefix"`
	Strategy Strategy `yaml:"strategy"`
	Cache    string   `yaml:"cache"`
	// Max age in seconds. Nil means entries never go stale by rule policy.
	MaxAge *int `yaml:"maxAge"`
}

func ErrInvalidRule(i int, err error) error {
	return fmt.Errorf("invalid rule #%d: %w", i, err)
}

// Validate returns an error for the first rule that cannot be used.
func (r Rules) Validate() error {
	for i, rule := range r {
		if !rule.Strategy.Valid() {
			return ErrInvalidRule(i, fmt.Errorf("%w %q", ErrUnknownStrategy, rule.Strategy))
		}
		if rule.Strategy.Caches() && rule.Cache == "" {
			return ErrInvalidRule(i, fmt.Errorf("strategy %s needs a cache", rule.Strategy))
		}
		if rule.MaxAge != nil && *rule.MaxAge < 0 {
			return ErrInvalidRule(i, fmt.Errorf("negative maxAge %d", *rule.MaxAge))
		}
	}
	return nil
}

// Find returns the first rule matching the url, or nil.
func (r Rules) Find(rawURL string) *Rule {
	if i := r.Index(rawURL); i >= 0 {
		return &r[i]
	}
	return nil
}

// Index returns the position of the first rule matching the url, or -1.
// The prefix is compared against the url path, the pattern against the whole url.
func (r Rules) Index(rawURL string) int {
	path := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		path = u.Path
	}
	for i, rule := range r {
		if rule.Prefix != "" && !strings.HasPrefix(path, rule.Prefix) {
			continue
		}
		if rule.Pattern.Regexp != nil && !rule.Pattern.MatchString(rawURL) {
			continue
		}
		return i
	}
	return -1
}

// MaxAgeString formats the rule max age for logging.
func (rule Rule) MaxAgeString() string {
	if rule.MaxAge == nil {
		return "none"
	}
	return fmt.Sprintf("%ds", *rule.MaxAge)
}
