// Package detector implements the six-rule threat battery (C5): rate
// limiting, path scanning, SQL injection, XSS, sensitive-path access, and
// bad user-agent detection, each evaluated per Record.
package detector

import (
	"log"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rawblock/sentryfw/internal/chain"
	"github.com/rawblock/sentryfw/pkg/models"
)

// WindowConfig is a sliding-window rate threshold (§4.5).
type WindowConfig struct {
	Window   time.Duration
	MaxEvents int
}

// Config holds the battery's tunables, compiled once at startup.
type Config struct {
	RateLimit      WindowConfig
	PathScan       WindowConfig
	SQLInjection   []string
	XSS            []string
	SensitivePaths []string
	BadUserAgents  []string
}

// compileAll compiles a pattern list, logging and skipping invalid
// expressions rather than failing startup (§4.5).
func compileAll(patterns []string) []*regexp.Regexp {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			log.Printf("[Detector] skipping invalid pattern %q: %v", p, err)
			continue
		}
		compiled = append(compiled, re)
	}
	return compiled
}

// deque is a bounded, thread-unsafe ring of timestamps used to evaluate a
// sliding window. Workers are sharded by base hash, so one address can be
// evaluated by several workers; each deque is accessed only under its
// addressState's mutex.
type deque struct {
	times []time.Time
	cap   int
}

func newDeque(capacity int) *deque {
	return &deque{times: make([]time.Time, 0, capacity), cap: capacity}
}

func (d *deque) push(t time.Time) {
	d.times = append(d.times, t)
	if len(d.times) > d.cap {
		d.times = d.times[len(d.times)-d.cap:]
	}
}

// countSince returns how many entries fall within [t-window, t].
func (d *deque) countSince(t time.Time, window time.Duration) int {
	cutoff := t.Add(-window)
	n := 0
	for i := len(d.times) - 1; i >= 0; i-- {
		if d.times[i].Before(cutoff) {
			break
		}
		n++
	}
	return n
}

// addressState holds the per-address sliding windows for rate limiting and
// path scanning.
type addressState struct {
	mu   sync.Mutex
	all  *deque
	e404 *deque
}

// Detector runs the battery against each incoming Record. Per-address
// state is kept in memory (bounded deques, default 1,000 entries for all
// requests and 100 for 404s) and is authoritative for rate/scan decisions.
type Detector struct {
	config Config

	sqlPatterns  []*regexp.Regexp
	xssPatterns  []*regexp.Regexp
	badUAPatterns []*regexp.Regexp

	mu    sync.Mutex
	state map[string]*addressState
}

// New compiles the configured pattern lists and returns a ready Detector.
func New(config Config) *Detector {
	return &Detector{
		config:        config,
		sqlPatterns:   compileAll(config.SQLInjection),
		xssPatterns:   compileAll(config.XSS),
		badUAPatterns: compileAll(config.BadUserAgents),
		state:         make(map[string]*addressState),
	}
}

func (d *Detector) stateFor(addr string) *addressState {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.state[addr]
	if !ok {
		s = &addressState{all: newDeque(1000), e404: newDeque(100)}
		d.state[addr] = s
	}
	return s
}

// Evaluate runs all six detectors in order against rec and returns every
// finding produced (order matches the table in §4.5).
func (d *Detector) Evaluate(rec models.Record) []models.Finding {
	var findings []models.Finding

	state := d.stateFor(rec.Addr)
	state.mu.Lock()
	defer state.mu.Unlock()
	state.all.push(rec.Timestamp)
	if rec.Status == 404 {
		state.e404.push(rec.Timestamp)
	}

	if f, ok := d.checkRateLimit(rec, state); ok {
		findings = append(findings, f)
	}
	if f, ok := d.checkPathScan(rec, state); ok {
		findings = append(findings, f)
	}
	if f, ok := d.checkSQLInjection(rec); ok {
		findings = append(findings, f)
	}
	if f, ok := d.checkXSS(rec); ok {
		findings = append(findings, f)
	}
	if f, ok := d.checkSensitivePath(rec); ok {
		findings = append(findings, f)
	}
	if f, ok := d.checkBadUserAgent(rec); ok {
		findings = append(findings, f)
	}
	return findings
}

func (d *Detector) checkRateLimit(rec models.Record, state *addressState) (models.Finding, bool) {
	w := d.config.RateLimit
	if w.MaxEvents <= 0 {
		return models.Finding{}, false
	}
	n := state.all.countSince(rec.Timestamp, w.Window)
	if n <= w.MaxEvents {
		return models.Finding{}, false
	}
	return models.Finding{
		ThreatType:  models.ThreatRateLimit,
		Severity:    models.SeverityHigh,
		Description: "request rate exceeded threshold",
		Details: map[string]string{
			"count":  strconv.Itoa(n),
			"window": w.Window.String(),
			"limit":  strconv.Itoa(w.MaxEvents),
		},
	}, true
}

func (d *Detector) checkPathScan(rec models.Record, state *addressState) (models.Finding, bool) {
	if rec.Status != 404 {
		return models.Finding{}, false
	}
	w := d.config.PathScan
	if w.MaxEvents <= 0 {
		return models.Finding{}, false
	}
	n := state.e404.countSince(rec.Timestamp, w.Window)
	if n <= w.MaxEvents {
		return models.Finding{}, false
	}
	return models.Finding{
		ThreatType:  models.ThreatPathScan,
		Severity:    models.SeverityHigh,
		Description: "404 rate exceeded threshold, likely path scanning",
		Details: map[string]string{
			"count":       strconv.Itoa(n),
			"window":      w.Window.String(),
			"limit":       strconv.Itoa(w.MaxEvents),
			"pathPattern": chain.ExtractPathPattern(rec.Path),
		},
	}, true
}

func firstMatch(patterns []*regexp.Regexp, haystacks ...string) (string, bool) {
	for _, re := range patterns {
		for _, h := range haystacks {
			if re.MatchString(h) {
				return re.String(), true
			}
		}
	}
	return "", false
}

func (d *Detector) checkSQLInjection(rec models.Record) (models.Finding, bool) {
	pattern, ok := firstMatch(d.sqlPatterns, rec.Path, rec.Query)
	if !ok {
		return models.Finding{}, false
	}
	return models.Finding{
		ThreatType:  models.ThreatSQLInjection,
		Severity:    models.SeverityCritical,
		Description: "possible SQL injection payload",
		Details:     map[string]string{"pattern": pattern},
	}, true
}

func (d *Detector) checkXSS(rec models.Record) (models.Finding, bool) {
	pattern, ok := firstMatch(d.xssPatterns, rec.Path, rec.Query)
	if !ok {
		return models.Finding{}, false
	}
	return models.Finding{
		ThreatType:  models.ThreatXSS,
		Severity:    models.SeverityHigh,
		Description: "possible cross-site scripting payload",
		Details:     map[string]string{"pattern": pattern},
	}, true
}

func (d *Detector) checkSensitivePath(rec models.Record) (models.Finding, bool) {
	for _, prefix := range d.config.SensitivePaths {
		if strings.Contains(rec.Path, prefix) {
			return models.Finding{
				ThreatType:  models.ThreatSensitivePath,
				Severity:    models.SeverityMedium,
				Description: "access to sensitive path",
				Details:     map[string]string{"path": prefix},
			}, true
		}
	}
	return models.Finding{}, false
}

func (d *Detector) checkBadUserAgent(rec models.Record) (models.Finding, bool) {
	pattern, ok := firstMatch(d.badUAPatterns, strings.ToLower(rec.UserAgent))
	if !ok {
		return models.Finding{}, false
	}
	return models.Finding{
		ThreatType:  models.ThreatBadUserAgent,
		Severity:    models.SeverityMedium,
		Description: "known scanning tool user-agent",
		Details:     map[string]string{"pattern": pattern},
	}, true
}
