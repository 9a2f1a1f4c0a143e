// Package storename builds and parses versioned store names of the form {app}-{category}-v{version}.
package storename

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

const versionSeparator = "-v"

// ErrUnsupportedVersion is returned for versions a store name cannot carry.
var ErrUnsupportedVersion = errors.New("prerelease and build metadata are not supported in store versions")

type Name struct {
	App      string
	Category string
	Version  *semver.Version
}

func New(app, category string, version *semver.Version) Name {
	return Name{App: app, Category: category, Version: version}
}

func (n Name) String() string {
	return fmt.Sprintf("%s-%s%s%d.%d.%d", n.App, n.Category, versionSeparator,
		n.Version.Major(), n.Version.Minor(), n.Version.Patch())
}

// CheckVersion returns an error unless version is a plain major.minor.patch release.
// Store names only carry those three numbers.
func CheckVersion(version *semver.Version) error {
	if version.Prerelease() != "" || version.Metadata() != "" {
		return fmt.Errorf("version %s: %w", version, ErrUnsupportedVersion)
	}
	return nil
}

// Parse splits a store name into its parts.
// The app is everything before the first dash, so app names themselves cannot contain dashes.
func Parse(s string) (Name, error) {
	i := strings.LastIndex(s, versionSeparator)
	if i < 0 {
		return Name{}, fmt.Errorf("store name %q has no version", s)
	}
	version, err := semver.StrictNewVersion(s[i+len(versionSeparator):])
	if err != nil {
		return Name{}, fmt.Errorf("store name %q: %w", s, err)
	}
	app, category, found := strings.Cut(s[:i], "-")
	if !found || app == "" || category == "" {
		return Name{}, fmt.Errorf("store name %q has no category", s)
	}
	return Name{App: app, Category: category, Version: version}, nil
}

// Expand returns the full store name for a rule cache value.
// Values that already are store names are returned unchanged, everything else is taken as a category.
func Expand(cache, app string, version *semver.Version) string {
	if _, err := Parse(cache); err == nil {
		return cache
	}
	return New(app, cache, version).String()
}

// Belongs reports whether the store was named by the app, regardless of its version.
func Belongs(store, app string) bool {
	n, err := Parse(store)
	return err == nil && n.App == app
}

// Orphaned reports whether the store was named by the app under a different release.
// Only major, minor and patch are compared.
func Orphaned(store, app string, version *semver.Version) bool {
	n, err := Parse(store)
	return err == nil && n.App == app && !sameRelease(n.Version, version)
}

func sameRelease(a, b *semver.Version) bool {
	return a.Major() == b.Major() && a.Minor() == b.Minor() && a.Patch() == b.Patch()
}
