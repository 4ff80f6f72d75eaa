package models

import (
	"net/url"
	"strings"
)

// CanonicalURL normalizes a post URL so that equivalent links collapse to a
// single identifier: query strings (tracking parameters) and fragments are
// stripped, the path is cut down to "/<handle>/status/<id>" (dropping
// "/photo/1", "/analytics" and the other sub-paths the platform appends to a
// status), and any trailing slash removed. Unparseable input is returned
// unchanged so it can still act as a dedup key.
func CanonicalURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return raw
	}

	u.RawQuery = ""
	u.Fragment = ""
	u.Path = trimStatusPath(u.Path)

	return u.String()
}

// trimStatusPath cuts a path down to the status segment: everything past
// "/status/<id>" points back at the same post.
func trimStatusPath(path string) string {
	const marker = "/status/"

	if idx := strings.Index(path, marker); idx != -1 {
		rest := path[idx+len(marker):]
		if slash := strings.IndexByte(rest, '/'); slash != -1 {
			rest = rest[:slash]
		}
		path = path[:idx] + marker + rest
	}

	return strings.TrimRight(path, "/")
}
