package cachekey

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

var ErrMalformedKey = errors.New("malformed cache key")

const methodSeparator = ":"

// CacheKeyer computes request identities for the stores.
// A key is the request method followed by the normalized absolute request URL.
type CacheKeyer struct {
	// Origin of the governed scope, i.e. the "own" origin of the pages.
	Origin url.URL
}

func NewCacheKeyer(origin url.URL) CacheKeyer {
	return CacheKeyer{
		Origin: normalize(origin),
	}
}

// Target returns the absolute URL the request is aimed at.
// Requests in origin form (just a path) are resolved against the origin,
// requests in absolute form (forward proxy style) are used as they are.
func (c CacheKeyer) Target(r *http.Request) *url.URL {
	if r.URL.IsAbs() {
		u := normalize(*r.URL)
		return &u
	}
	u := c.Origin
	u.Path = r.URL.Path
	u.RawPath = r.URL.RawPath
	u.RawQuery = r.URL.RawQuery
	u = normalize(u)
	return &u
}

// Resolve returns the absolute URL of a path relative to the origin.
func (c CacheKeyer) Resolve(path string) (*url.URL, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return nil, err
	}
	u := normalize(*c.Origin.ResolveReference(ref))
	return &u, nil
}

// SameOrigin reports whether u has the same scheme, host and port as the origin.
func (c CacheKeyer) SameOrigin(u *url.URL) bool {
	n := normalize(*u)
	return n.Scheme == c.Origin.Scheme && n.Host == c.Origin.Host
}

// Key returns the cache key for the method and URL.
func (c CacheKeyer) Key(method string, u *url.URL) string {
	n := normalize(*u)
	return method + methodSeparator + n.String()
}

// RequestKey returns the cache key for an incoming request.
func (c CacheKeyer) RequestKey(r *http.Request) string {
	return c.Key(r.Method, c.Target(r))
}

// PathKey returns the GET cache key for a path relative to the origin.
func (c CacheKeyer) PathKey(path string) (string, error) {
	u, err := c.Resolve(path)
	if err != nil {
		return "", err
	}
	return c.Key(http.MethodGet, u), nil
}

// GetRequestFromKey generates a request equal, cache-wise, to the one that resulted in the key.
func (c CacheKeyer) GetRequestFromKey(key string) (*http.Request, error) {
	method, uri, found := strings.Cut(key, methodSeparator)
	if !found || method == "" {
		return nil, fmt.Errorf("%w: %s", ErrMalformedKey, key)
	}
	u, err := url.Parse(uri)
	if err != nil || !u.IsAbs() {
		return nil, fmt.Errorf("%w: %s", ErrMalformedKey, key)
	}
	return http.NewRequest(method, u.String(), nil)
}

// normalize lower-cases scheme and host, drops default ports and the fragment.
func normalize(u url.URL) url.URL {
	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Host)
	if (u.Scheme == "http" && strings.HasSuffix(host, ":80")) ||
		(u.Scheme == "https" && strings.HasSuffix(host, ":443")) {
		host = host[:strings.LastIndex(host, ":")]
	}
	u.Host = host
	u.Fragment = ""
	u.RawFragment = ""
	u.User = nil
	if u.Path == "" && u.Opaque == "" {
		u.Path = "/"
		u.RawPath = ""
	}
	return u
}
