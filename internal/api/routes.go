// Package api exposes the admin surface (§6): ban/unban, port and rate
// rules, health checks, plus the dashboard websocket stream and the
// supplemented score/threat reporting endpoints.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rawblock/sentryfw/internal/alert"
	"github.com/rawblock/sentryfw/internal/allowlist"
	"github.com/rawblock/sentryfw/internal/firewall"
	"github.com/rawblock/sentryfw/internal/scoring"
	"github.com/rawblock/sentryfw/pkg/models"
)

// Store is the subset of C3 the admin surface reads from directly.
type Store interface {
	TopFingerprintsByScore(ctx context.Context, n int) ([]models.Fingerprint, error)
	ScoreHistory(ctx context.Context, baseHash string, limit int) ([]models.ScoreHistory, error)
	RecentThreatEvents(ctx context.Context, addr string, limit int) ([]models.ThreatEvent, error)
	RecentStatistics(ctx context.Context, n int) ([]models.Statistics, error)
}

// Config tunes the admin HTTP surface (§6).
type Config struct {
	AuthToken       string
	AllowedOrigins  string
	RateLimitPerMin int
	RateLimitBurst  int
	EnableSynthetic bool
}

// Handler wires the admin surface to the firewall executor, scoring
// engine, allow-list, alert manager, and store.
type Handler struct {
	firewall  *firewall.Executor
	scoring   *scoring.Engine
	allowList *allowlist.List
	alerts    *alert.Manager
	store     Store
	hub       *Hub
	config    Config
	enqueue   func(ctx context.Context, rec models.Record)
}

// NewHandler constructs a Handler. hub may be nil to disable the websocket stream.
func NewHandler(fw *firewall.Executor, sc *scoring.Engine, al *allowlist.List, am *alert.Manager, st Store, hub *Hub, config Config) *Handler {
	return &Handler{firewall: fw, scoring: sc, allowList: al, alerts: am, store: st, hub: hub, config: config}
}

// SetEnqueue wires the coordinator's enqueue function for the
// dev-mode synthetic-record endpoint.
func (h *Handler) SetEnqueue(fn func(ctx context.Context, rec models.Record)) {
	h.enqueue = fn
}

// SetupRouter builds the gin engine with public, protected, and (if hub is
// non-nil) websocket routes.
func SetupRouter(h *Handler) *gin.Engine {
	r := gin.Default()
	r.Use(CORSMiddleware(h.config.AllowedOrigins))

	pub := r.Group("/api/v1")
	{
		pub.GET("/health", h.handleHealth)
		if h.hub != nil {
			pub.GET("/stream", h.hub.Subscribe)
		}
	}

	ratePerMin := h.config.RateLimitPerMin
	if ratePerMin <= 0 {
		ratePerMin = 60
	}
	burst := h.config.RateLimitBurst
	if burst <= 0 {
		burst = 10
	}

	// Mutating endpoints change enforcement state (bans, port rules, list
	// membership) and get the configured limit at face value: a runaway
	// script or a leaked token should be capped hard here. Read-only
	// reporting endpoints are what a live dashboard polls continuously, so
	// they're given a wider budget rather than sharing the write budget.
	writeLimiter := NewRateLimiter(ratePerMin, burst)
	readLimiter := NewRateLimiter(ratePerMin*4, burst*4)

	writes := r.Group("/api/v1")
	writes.Use(AuthMiddleware(h.config.AuthToken))
	writes.Use(writeLimiter.Middleware())
	{
		writes.POST("/ban", h.handleBan)
		writes.POST("/ban/batch", h.handleBanBatch)
		writes.POST("/unban/:addr", h.handleUnban)
		writes.POST("/unban/batch", h.handleUnbanBatch)

		writes.POST("/ports/open", h.handleOpenPort)
		writes.POST("/ports/close", h.handleClosePort)
		writes.POST("/ports/block", h.handleBlockPort)
		writes.POST("/rate-limit", h.handleAddRateLimit)

		writes.POST("/allowlist", h.handleAddAllowEntry)
		writes.DELETE("/allowlist/:entry", h.handleRemoveAllowEntry)

		if h.config.EnableSynthetic {
			writes.POST("/synthetic/record", h.handleSyntheticRecord)
		}
	}

	reads := r.Group("/api/v1")
	reads.Use(AuthMiddleware(h.config.AuthToken))
	reads.Use(readLimiter.Middleware())
	{
		reads.GET("/banned", h.handleListBanned)
		reads.GET("/scores/top", h.handleTopScores)
		reads.GET("/scores/:baseHash/history", h.handleScoreHistory)
		reads.GET("/threats", h.handleRecentThreats)
		reads.GET("/statistics", h.handleStatistics)
		reads.GET("/allowlist", h.handleListAllowEntries)
	}

	return r
}

func (h *Handler) handleHealth(c *gin.Context) {
	if err := h.firewall.HealthCheck(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
}
