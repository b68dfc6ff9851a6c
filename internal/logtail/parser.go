package logtail

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rawblock/sentryfw/pkg/models"
)

// Profile selects a parsing grammar (§4.1).
type Profile string

const (
	ProfileCombined     Profile = "combined"
	ProfileCombinedTime Profile = "combined+time"
)

// combinedPattern matches: ADDR - USER [TIME] "METHOD PATH PROTO" STATUS SIZE "REFERER" "UA"
// with an optional trailing floating-point request duration for combined+time.
var combinedPattern = regexp.MustCompile(
	`^(?P<addr>\S+) \S+ (?P<user>\S+) \[(?P<time>[^\]]+)\] "(?P<request>[^"]*)" ` +
		`(?P<status>\d{3}) (?P<size>\S+) "(?P<referer>[^"]*)" "(?P<ua>[^"]*)"(?: (?P<duration>[\d.]+))?\s*$`,
)

const nginxTimeLayout = "02/Jan/2006:15:04:05 -0700"

// Parse parses one raw log line under the given profile. A line failing
// the entire pattern returns ok=false without error; callers count it as
// a discarded ParseError and move on (§7).
func Parse(line string, profile Profile) (models.Record, bool) {
	m := combinedPattern.FindStringSubmatch(line)
	if m == nil {
		return models.Record{}, false
	}

	names := combinedPattern.SubexpNames()
	field := make(map[string]string, len(names))
	for i, name := range names {
		if name != "" && i < len(m) {
			field[name] = m[i]
		}
	}

	ts, err := time.Parse(nginxTimeLayout, field["time"])
	if err != nil {
		ts = time.Now()
	}

	method, path, query := splitRequestLine(field["request"])

	size := int64(0)
	if field["size"] != "-" {
		if n, err := strconv.ParseInt(field["size"], 10, 64); err == nil {
			size = n
		}
	}

	status, _ := strconv.Atoi(field["status"])

	rec := models.Record{
		Timestamp: ts,
		Addr:      field["addr"],
		UserAgent: field["ua"],
		Method:    method,
		Path:      path,
		Query:     query,
		Status:    status,
		Size:      size,
		Referer:   field["referer"],
		RawLine:   line,
	}

	if profile == ProfileCombinedTime && field["duration"] != "" {
		if d, err := strconv.ParseFloat(field["duration"], 64); err == nil {
			rec.Duration = d
			rec.HasDuration = true
		}
	}

	return rec, true
}

// splitRequestLine splits a request line ("METHOD PATH PROTO") into
// method, query-stripped path, and query string, on the first "?".
func splitRequestLine(request string) (method, path, query string) {
	parts := strings.Fields(request)
	if len(parts) == 0 {
		return "", "", ""
	}
	method = parts[0]
	if len(parts) > 1 {
		path = parts[1]
	}
	if i := strings.IndexByte(path, '?'); i >= 0 {
		query = path[i+1:]
		path = path[:i]
	}
	return method, path, query
}
