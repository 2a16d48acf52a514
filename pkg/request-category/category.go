package category

import (
	"net/http"
	"net/url"
	"regexp"
	"strings"
)

type Category int

const (
	// Data and API calls, i.e. everything that is neither a page load nor a static asset.
	Other Category = iota
	// Browser initiated full page loads.
	Navigation
	// Static resources: scripts, stylesheets, images, source maps and fonts.
	Asset
)

func (c Category) String() string {
	switch c {
	case Navigation:
		return "navigation"
	case Asset:
		return "asset"
	default:
		return "other"
	}
}

// AssetPrefix is the path prefix under which everything counts as a static asset.
const AssetPrefix = "/assets/"

var assetExtension = regexp.MustCompile(`\.(?:js|css|png|jpg|jpeg|gif|svg|webp|ico|map|woff2?|ttf|eot)$`)

// Classify assigns the request to exactly one category.
// Navigation is checked first, so a page load is never an asset, whatever its path.
func Classify(r *http.Request) Category {
	if IsNavigation(r) {
		return Navigation
	}
	if IsAsset(r.URL) {
		return Asset
	}
	return Other
}

// IsNavigation reports whether the request has its navigation mode flag set.
func IsNavigation(r *http.Request) bool {
	return r.Header.Get("Sec-Fetch-Mode") == "navigate"
}

// IsAsset reports whether the URL path designates a static asset.
// The query string does not take part in the decision.
func IsAsset(u *url.URL) bool {
	path := u.EscapedPath()
	return strings.HasPrefix(path, AssetPrefix) || assetExtension.MatchString(path)
}
