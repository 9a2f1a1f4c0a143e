package cachekey

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var ErrorMethodNotSupported = errors.New("Method not supported")

const methodSeparator = ":"

// Cacheable reports whether responses to the request may be served from or written to a store.
// Only GET is cacheable, everything else goes straight to the network.
func Cacheable(r *http.Request) bool {
	return r.Method == http.MethodGet
}

// URL returns the URL a request is identified by.
// Absolute request URLs (as sent to proxies) are kept absolute, otherwise the request URI is used.
func URL(r *http.Request) string {
	if r.URL.IsAbs() {
		return r.URL.String()
	}
	return r.URL.RequestURI()
}

// Key returns the cache key for the request.
// The key is derived from method and URL only, no vary headers.
func Key(r *http.Request) (string, error) {
	if !Cacheable(r) {
		return "", fmt.Errorf("%w: %s", ErrorMethodNotSupported, r.Method)
	}
	return ForURL(URL(r)), nil
}

// ForURL returns the key a GET request for the url is stored under.
func ForURL(url string) string {
	return http.MethodGet + methodSeparator + url
}

// SplitKey splits a key into its method and URL.
func SplitKey(key string) (method string, url string, err error) {
	method, url, found := strings.Cut(key, methodSeparator)
	if !found || method == "" || url == "" {
		return "", "", fmt.Errorf("Malformed key: %s", key)
	}
	return method, url, nil
}

// URLFromKey returns the URL part of the key.
// Keys that cannot be split are returned as is so that matching on them still works.
func URLFromKey(key string) string {
	if _, url, err := SplitKey(key); err == nil {
		return url
	}
	return key
}
