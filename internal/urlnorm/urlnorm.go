// Package urlnorm turns video links into stable cache keys.
package urlnorm

import (
	"fmt"
	"net/url"
	"strings"
)

const (
	canonicalPrefix = "https://www.youtube.com/watch?v="
	cutSep          = "_cut_"
)

var shortHosts = map[string]bool{
	"youtu.be":     true,
	"www.youtu.be": true,
}

// ID extracts the video id from raw, or "" when none can be found.
func ID(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return ""
	}
	if v := u.Query().Get("v"); v != "" {
		return v
	}
	if shortHosts[strings.ToLower(u.Hostname())] {
		id := strings.Trim(u.Path, "/")
		if id != "" && !strings.Contains(id, "/") {
			return id
		}
	}
	return ""
}

// Normalize returns the canonical watch URL for raw, or raw unchanged when no
// id can be extracted.
func Normalize(raw string) string {
	id := ID(raw)
	if id == "" {
		return raw
	}
	return canonicalPrefix + url.QueryEscape(id)
}

// CutKey derives the cache key of a trimmed variant.
func CutKey(canonical string, start, duration uint64) string {
	return fmt.Sprintf("%s%s%d_%d", canonical, cutSep, start, duration)
}

// OriginalOf returns the canonical URL a cut key was derived from.
func OriginalOf(key string) (string, bool) {
	i := strings.LastIndex(key, cutSep)
	if i < 0 {
		return "", false
	}
	return key[:i], true
}
