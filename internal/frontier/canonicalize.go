package frontier

import (
	"net/url"
	"strings"
)

// Canonicalize normalizes a URL per §3: scheme and host lowercased,
// fragment stripped, default ports removed, trailing slash on an empty
// path normalized to "/". base resolves relative references; pass "" when
// rawURL is already absolute.
func Canonicalize(rawURL, base string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if base != "" {
		baseURL, err := url.Parse(base)
		if err != nil {
			return "", err
		}
		u = baseURL.ResolveReference(u)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""

	if host, port, ok := strings.Cut(u.Host, ":"); ok {
		if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
			u.Host = host
		}
	}

	if u.Path == "" {
		u.Path = "/"
	}

	return u.String(), nil
}
