// Package fingerprint derives the two stability tokens the rest of the
// pipeline keys on: base_hash for client identity and behavior_hash for
// request shape. Every function here is pure: no I/O, no retained state.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// Normalize strips the query string and trailing slash from a path. It
// does not collapse numeric IDs or UUIDs; that happens only in the
// behavior analyzer's diagnostic pattern extraction.
func Normalize(path string) string {
	if u, err := url.Parse(path); err == nil && u.Path != "" {
		path = u.Path
	} else if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if len(path) > 1 {
		path = strings.TrimSuffix(path, "/")
	}
	return path
}

func lowerTrim(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func hashHex(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// BaseHash identifies a client: SHA-256(lower(trim(addr)) | lower(trim(ua))).
func BaseHash(addr, userAgent string) string {
	return hashHex(lowerTrim(addr), lowerTrim(userAgent))
}

// BehaviorHash identifies a request shape:
// SHA-256(lower(trim(normalize(path))) | lower(trim(method)) | status).
func BehaviorHash(path, method string, status int) string {
	return hashHex(lowerTrim(Normalize(path)), lowerTrim(method), strconv.Itoa(status))
}

// IdentityHash is the content hash of a member-hash set: SHA-256 of the
// lexically sorted members joined by "||". Used as an IdentityChain root_hash.
func IdentityHash(members []string) string {
	sorted := make([]string, len(members))
	copy(sorted, members)
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, "||")))
	return hex.EncodeToString(sum[:])
}

// Features are diagnostic signals extracted from a record, supplementing
// the minimal two-hash model with the richer feature set the original
// fingerprint generator exposed for reporting and rule authoring.
type Features struct {
	HasQueryParams bool
	PathDepth      int
	IsAPIRequest   bool
	HasFileExt     bool
	RefererExists  bool
	IsError        bool
	IsBot          bool
	IsBrowser      bool
	IsMobile       bool
}

var botMarkers = []string{"bot", "crawler", "spider", "curl", "wget", "python-requests", "scrapy"}
var browserMarkers = []string{"mozilla", "chrome", "safari", "firefox", "edge"}
var mobileMarkers = []string{"mobile", "android", "iphone", "ipad"}

func containsAny(haystack string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(haystack, m) {
			return true
		}
	}
	return false
}

// ExtractFeatures computes diagnostic features for a path/query/UA/status
// tuple. It performs no I/O and feeds no scoring invariant directly; the
// coordinator attaches its output to every persisted ThreatEvent's Details
// so findings carry request-shape context without re-parsing the log line.
func ExtractFeatures(path, query, userAgent string, status int) Features {
	norm := Normalize(path)
	ua := lowerTrim(userAgent)
	segments := strings.Split(strings.Trim(norm, "/"), "/")
	depth := len(segments)
	if norm == "/" || norm == "" {
		depth = 0
	}
	return Features{
		HasQueryParams: query != "",
		PathDepth:      depth,
		IsAPIRequest:   strings.Contains(norm, "/api/") || strings.HasPrefix(norm, "/api"),
		HasFileExt:     strings.Contains(segments[len(segments)-1], "."),
		RefererExists:  false, // stamped by caller when referer is known
		IsError:        status >= 400,
		IsBot:          containsAny(ua, botMarkers),
		IsBrowser:      containsAny(ua, browserMarkers),
		IsMobile:       containsAny(ua, mobileMarkers),
	}
}
