// Package alert fans out ThreatEvent and ban notifications to registered
// webhook endpoints and an in-process broadcast callback (the dashboard
// push Hub), adapted from the teacher's alert/webhook manager.
package alert

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rawblock/sentryfw/pkg/models"
)

// Alert is a structured notification emitted for a ThreatEvent or ban action.
type Alert struct {
	ID          string            `json:"id"`
	Timestamp   time.Time         `json:"timestamp"`
	Severity    models.Severity   `json:"severity"`
	AlertType   string            `json:"alertType"` // threat|ban|unban
	Title       string            `json:"title"`
	Description string            `json:"description"`
	Addr        string            `json:"addr,omitempty"`
	BaseHash    string            `json:"baseHash,omitempty"`
	Details     map[string]string `json:"details,omitempty"`
}

// Webhook is a registered alert receiver.
type Webhook struct {
	Name        string
	URL         string
	Enabled     bool
	Headers     map[string]string
	MinSeverity models.Severity
}

// Manager distributes alerts to webhooks and a broadcast callback, and
// keeps a bounded in-memory history for the admin API's recent-alerts view.
type Manager struct {
	mu         sync.RWMutex
	webhooks   []Webhook
	recent     []Alert
	maxHistory int
	httpClient *http.Client
	broadcast  func(Alert)
}

// NewManager constructs a Manager. broadcastFn is invoked synchronously for
// every emitted alert (typically wiring to the dashboard websocket Hub);
// pass nil if no broadcast is needed.
func NewManager(broadcastFn func(Alert)) *Manager {
	return &Manager{
		maxHistory: 1000,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		broadcast:  broadcastFn,
	}
}

// RegisterWebhook adds a webhook endpoint.
func (m *Manager) RegisterWebhook(wh Webhook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.webhooks = append(m.webhooks, wh)
	log.Printf("[AlertManager] registered webhook %s -> %s (min severity %s)", wh.Name, wh.URL, wh.MinSeverity)
}

// RemoveWebhook removes a webhook by name.
func (m *Manager) RemoveWebhook(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, wh := range m.webhooks {
		if wh.Name == name {
			m.webhooks = append(m.webhooks[:i], m.webhooks[i+1:]...)
			return
		}
	}
}

// Emit stores the alert, broadcasts it, and fans it out asynchronously to
// every webhook whose MinSeverity threshold the alert clears.
func (m *Manager) Emit(a Alert) {
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now()
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}

	m.mu.Lock()
	m.recent = append(m.recent, a)
	if len(m.recent) > m.maxHistory {
		m.recent = m.recent[len(m.recent)-m.maxHistory:]
	}
	webhooks := make([]Webhook, len(m.webhooks))
	copy(webhooks, m.webhooks)
	m.mu.Unlock()

	if m.broadcast != nil {
		m.broadcast(a)
	}

	for _, wh := range webhooks {
		if !wh.Enabled || !SeverityMeetsThreshold(a.Severity, wh.MinSeverity) {
			continue
		}
		go m.sendWebhook(wh, a)
	}

	log.Printf("[Alert] [%s] %s: %s (addr=%s)", a.Severity, a.AlertType, a.Title, a.Addr)
}

// EmitThreat builds and emits an alert from a ThreatEvent.
func (m *Manager) EmitThreat(ev models.ThreatEvent) {
	m.Emit(Alert{
		Severity:    ev.Severity,
		AlertType:   "threat",
		Title:       fmt.Sprintf("%s detected", ev.ThreatType),
		Description: ev.Description,
		Addr:        ev.Addr,
		BaseHash:    ev.BaseHash,
		Details:     ev.Details,
	})
}

// EmitBan builds and emits an alert for a ban enforcement action.
func (m *Manager) EmitBan(addr, reason string, permanent bool) {
	severity := models.SeverityHigh
	if permanent {
		severity = models.SeverityCritical
	}
	m.Emit(Alert{
		Severity:    severity,
		AlertType:   "ban",
		Title:       "address banned",
		Description: reason,
		Addr:        addr,
	})
}

// Recent returns the most recent n alerts, newest first. n<=0 returns all.
func (m *Manager) Recent(n int) []Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if n <= 0 || n > len(m.recent) {
		n = len(m.recent)
	}
	out := make([]Alert, n)
	start := len(m.recent) - n
	for i := 0; i < n; i++ {
		out[i] = m.recent[start+n-1-i]
	}
	return out
}

// BySeverity returns stored alerts meeting a minimum severity.
func (m *Manager) BySeverity(min models.Severity) []Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Alert
	for _, a := range m.recent {
		if SeverityMeetsThreshold(a.Severity, min) {
			out = append(out, a)
		}
	}
	return out
}

func (m *Manager) sendWebhook(wh Webhook, a Alert) {
	payload, err := json.Marshal(a)
	if err != nil {
		log.Printf("[Webhook] failed to marshal alert: %v", err)
		return
	}

	req, err := http.NewRequest(http.MethodPost, wh.URL, bytes.NewReader(payload))
	if err != nil {
		log.Printf("[Webhook] failed to build request for %s: %v", wh.Name, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range wh.Headers {
		req.Header.Set(k, v)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		log.Printf("[Webhook] failed to send to %s: %v", wh.Name, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		log.Printf("[Webhook] %s returned status %d", wh.Name, resp.StatusCode)
	}
}

var severityLevels = map[models.Severity]int{
	models.SeverityLow:      1,
	models.SeverityMedium:   2,
	models.SeverityHigh:     3,
	models.SeverityCritical: 4,
}

// SeverityMeetsThreshold reports whether severity is at least as urgent as
// minimum. Exported so callers outside this package (the websocket alert
// stream's per-client severity filter) use the same ordering as webhook
// dispatch rather than re-deriving it.
func SeverityMeetsThreshold(severity, minimum models.Severity) bool {
	return severityLevels[severity] >= severityLevels[minimum]
}
