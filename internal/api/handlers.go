package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rawblock/sentryfw/pkg/models"
)

// ════════════════════════════════════════════════════════════════════
// Admin surface handlers — ban/unban, ports, rate limits (§6)
// ════════════════════════════════════════════════════════════════════

type banRequest struct {
	Addr       string `json:"addr" binding:"required"`
	Reason     string `json:"reason"`
	DurationMs int64  `json:"durationMs"` // 0 means permanent
}

// POST /api/v1/ban
func (h *Handler) handleBan(c *gin.Context) {
	var req banRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	var duration *time.Duration
	if req.DurationMs > 0 {
		d := time.Duration(req.DurationMs) * time.Millisecond
		duration = &d
	}

	if err := h.firewall.Ban(c.Request.Context(), req.Addr, req.Reason, duration, nil); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "banned", "addr": req.Addr})
}

type banBatchRequest struct {
	Addrs      []string `json:"addrs" binding:"required"`
	Reason     string   `json:"reason"`
	DurationMs int64    `json:"durationMs"`
}

// POST /api/v1/ban/batch
func (h *Handler) handleBanBatch(c *gin.Context) {
	var req banBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	var duration *time.Duration
	if req.DurationMs > 0 {
		d := time.Duration(req.DurationMs) * time.Millisecond
		duration = &d
	}

	n := h.firewall.BanBatch(c.Request.Context(), req.Addrs, req.Reason, duration)
	c.JSON(http.StatusOK, gin.H{"status": "completed", "banned": n, "requested": len(req.Addrs)})
}

// POST /api/v1/unban/:addr
func (h *Handler) handleUnban(c *gin.Context) {
	addr := c.Param("addr")
	if err := h.firewall.Unban(c.Request.Context(), addr); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "unbanned", "addr": addr})
}

type unbanBatchRequest struct {
	Addrs []string `json:"addrs" binding:"required"`
}

// POST /api/v1/unban/batch
func (h *Handler) handleUnbanBatch(c *gin.Context) {
	var req unbanBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	n := h.firewall.UnbanBatch(c.Request.Context(), req.Addrs)
	c.JSON(http.StatusOK, gin.H{"status": "completed", "unbanned": n, "requested": len(req.Addrs)})
}

// GET /api/v1/banned
func (h *Handler) handleListBanned(c *gin.Context) {
	addrs, err := h.firewall.ListBanned(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"banned": addrs})
}

type portRequest struct {
	Port   int    `json:"port" binding:"required"`
	Proto  string `json:"proto" binding:"required"`
	Source string `json:"source"`
}

// POST /api/v1/ports/open
func (h *Handler) handleOpenPort(c *gin.Context) {
	var req portRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	if err := h.firewall.OpenPort(c.Request.Context(), req.Port, req.Proto, req.Source); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "opened", "port": req.Port, "proto": req.Proto})
}

// POST /api/v1/ports/close
func (h *Handler) handleClosePort(c *gin.Context) {
	var req portRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	if err := h.firewall.ClosePort(c.Request.Context(), req.Port, req.Proto); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "closed", "port": req.Port, "proto": req.Proto})
}

// POST /api/v1/ports/block
func (h *Handler) handleBlockPort(c *gin.Context) {
	var req portRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	if err := h.firewall.BlockPort(c.Request.Context(), req.Port, req.Proto); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "blocked", "port": req.Port, "proto": req.Proto})
}

type rateLimitRequest struct {
	Limit      int `json:"limit" binding:"required"`
	PeriodSecs int `json:"periodSeconds" binding:"required"`
	Port       int `json:"port"`
}

// POST /api/v1/rate-limit
func (h *Handler) handleAddRateLimit(c *gin.Context) {
	var req rateLimitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	period := time.Duration(req.PeriodSecs) * time.Second
	if err := h.firewall.AddRateLimit(c.Request.Context(), req.Limit, period, req.Port); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "installed", "limit": req.Limit, "periodSeconds": req.PeriodSecs})
}

// ════════════════════════════════════════════════════════════════════
// Reporting handlers (supplemented features)
// ════════════════════════════════════════════════════════════════════

// GET /api/v1/scores/top?n=20
func (h *Handler) handleTopScores(c *gin.Context) {
	n := queryInt(c, "n", 20)
	fps, err := h.store.TopFingerprintsByScore(c.Request.Context(), n)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"fingerprints": fps})
}

// GET /api/v1/scores/:baseHash/history?limit=50
func (h *Handler) handleScoreHistory(c *gin.Context) {
	baseHash := c.Param("baseHash")
	limit := queryInt(c, "limit", 50)
	history, err := h.store.ScoreHistory(c.Request.Context(), baseHash, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"baseHash": baseHash, "history": history})
}

// GET /api/v1/threats?addr=&limit=50
func (h *Handler) handleRecentThreats(c *gin.Context) {
	addr := c.Query("addr")
	limit := queryInt(c, "limit", 50)
	events, err := h.store.RecentThreatEvents(c.Request.Context(), addr, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"threats": events})
}

// GET /api/v1/statistics?n=24
func (h *Handler) handleStatistics(c *gin.Context) {
	n := queryInt(c, "n", 24)
	stats, err := h.store.RecentStatistics(c.Request.Context(), n)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"statistics": stats})
}

// ════════════════════════════════════════════════════════════════════
// Allow-list administration
// ════════════════════════════════════════════════════════════════════

type allowEntryRequest struct {
	CIDROrAddr  string `json:"cidrOrAddr" binding:"required"`
	Description string `json:"description"`
	Reason      string `json:"reason"`
}

// POST /api/v1/allowlist
func (h *Handler) handleAddAllowEntry(c *gin.Context) {
	var req allowEntryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	entry := h.allowList.Add(req.CIDROrAddr, req.Description, req.Reason, time.Now())
	c.JSON(http.StatusCreated, gin.H{"entry": entry})
}

// DELETE /api/v1/allowlist/:entry
func (h *Handler) handleRemoveAllowEntry(c *gin.Context) {
	value := c.Param("entry")
	if !h.allowList.Remove(value) {
		c.JSON(http.StatusNotFound, gin.H{"error": "entry not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "removed", "entry": value})
}

// GET /api/v1/allowlist
func (h *Handler) handleListAllowEntries(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"entries": h.allowList.ListAll()})
}

// ════════════════════════════════════════════════════════════════════
// Dev-mode synthetic record injection (supplemented feature, gated)
// ════════════════════════════════════════════════════════════════════

type syntheticRecordRequest struct {
	Addr      string `json:"addr" binding:"required"`
	UserAgent string `json:"userAgent" binding:"required"`
	Path      string `json:"path" binding:"required"`
	Method    string `json:"method" binding:"required"`
	Status    int    `json:"status" binding:"required"`
}

// POST /api/v1/synthetic/record — only mounted when EnableSynthetic is
// set; feeds a hand-built Record directly into the coordinator so
// operators can exercise the full pipeline without a live log source.
func (h *Handler) handleSyntheticRecord(c *gin.Context) {
	if h.enqueue == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no coordinator wired for synthetic injection"})
		return
	}
	var req syntheticRecordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	rec := models.Record{
		Timestamp: time.Now(),
		Addr:      req.Addr,
		UserAgent: req.UserAgent,
		Path:      req.Path,
		Method:    req.Method,
		Status:    req.Status,
	}
	h.enqueue(c.Request.Context(), rec)
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

func queryInt(c *gin.Context, key string, def int) int {
	v := c.Query(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
