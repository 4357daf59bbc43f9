// Package url canonicalizes URLs before they enter the crawl queue.
package url

import (
	"fmt"
	"net/url"
	"path"
	"strings"
)

// trackingParams is the closed set of query parameters stripped during
// normalization.
var trackingParams = map[string]bool{
	"utm_source":   true,
	"utm_medium":   true,
	"utm_campaign": true,
	"utm_content":  true,
	"utm_term":     true,
	"gclid":        true,
	"fbclid":       true,
	"ref":          true,
	"source":       true,
	"medium":       true,
}

// binaryExtensions is the closed set of path extensions rejected as non-web
// content.
var binaryExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true,
	".svg": true, ".ico": true, ".bmp": true, ".tiff": true,
	".mp3": true, ".mp4": true, ".avi": true, ".mov": true, ".wmv": true,
	".flv": true, ".webm": true, ".ogg": true, ".wav": true,
	".pdf": true, ".doc": true, ".docx": true, ".xls": true, ".xlsx": true,
	".ppt": true, ".pptx": true, ".odt": true,
	".zip": true, ".rar": true, ".7z": true, ".tar": true, ".gz": true,
	".bz2": true, ".dmg": true, ".iso": true,
	".exe": true, ".msi": true, ".apk": true, ".deb": true, ".rpm": true,
	".css": true, ".js": true, ".woff": true, ".woff2": true, ".ttf": true,
	".eot": true,
}

// Normalize canonicalizes a URL, optionally resolving it against a base.
// The result is stable: Normalize(Normalize(u)) == Normalize(u).
func Normalize(rawURL string, base string) (string, error) {
	if strings.TrimSpace(rawURL) == "" {
		return "", fmt.Errorf("url cannot be empty")
	}

	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("invalid url %q: %w", rawURL, err)
	}

	if base != "" {
		baseURL, err := url.Parse(base)
		if err != nil {
			return "", fmt.Errorf("invalid base url %q: %w", base, err)
		}
		u = baseURL.ResolveReference(u)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q in %q", u.Scheme, rawURL)
	}
	if u.Host == "" {
		return "", fmt.Errorf("url has no host: %q", rawURL)
	}

	u.Host = strings.ToLower(u.Host)
	if (u.Scheme == "http" && strings.HasSuffix(u.Host, ":80")) ||
		(u.Scheme == "https" && strings.HasSuffix(u.Host, ":443")) {
		u.Host = u.Host[:strings.LastIndex(u.Host, ":")]
	}

	u.Fragment = ""

	if u.RawQuery != "" {
		query := u.Query()
		for param := range query {
			if trackingParams[strings.ToLower(param)] {
				query.Del(param)
			}
		}
		u.RawQuery = query.Encode()
	}

	if u.Path == "" {
		u.Path = "/"
	} else if u.Path != "/" {
		u.Path = strings.TrimSuffix(u.Path, "/")
		if u.Path == "" {
			u.Path = "/"
		}
	}

	return u.String(), nil
}

// IsWebURL reports whether a URL uses a fetchable web scheme.
func IsWebURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// IsBinary reports whether a URL's path ends in a known binary extension.
func IsBinary(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	ext := strings.ToLower(path.Ext(u.Path))
	return binaryExtensions[ext]
}

// SameDomain reports whether two URLs share an identical lowercase host.
// No public-suffix analysis is performed.
func SameDomain(a, b string) bool {
	hostA, errA := Host(a)
	hostB, errB := Host(b)
	if errA != nil || errB != nil {
		return false
	}
	return hostA == hostB
}

// Host extracts the lowercase host from a URL.
func Host(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("url has no host: %s", rawURL)
	}
	return strings.ToLower(u.Host), nil
}

// Origin returns the scheme://host prefix of a URL.
func Origin(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("url must be absolute: %s", rawURL)
	}
	return u.Scheme + "://" + strings.ToLower(u.Host), nil
}
