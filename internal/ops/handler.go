// Package ops exposes the operator HTTP surface: dead-letter inspection and
// remediation, execution-log aggregates, and readiness queries.
package ops

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"boxscore_pipeline/internal/deadletter"
	"boxscore_pipeline/internal/execlog"
	"boxscore_pipeline/internal/stage"
	"boxscore_pipeline/internal/tracker"
	"boxscore_pipeline/internal/wire"
	"boxscore_pipeline/platform/apperr"
	"boxscore_pipeline/platform/httpkit"
	"boxscore_pipeline/platform/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// DeadLetterService is the remediation surface the handlers call.
type DeadLetterService interface {
	Pending(ctx context.Context, limit int) ([]deadletter.Record, error)
	Replay(ctx context.Context, id uuid.UUID) error
	Discard(ctx context.Context, id uuid.UUID) error
	Metrics(ctx context.Context) (deadletter.Metrics, error)
}

// StatsSource aggregates execution-log rows per stage.
type StatsSource interface {
	Stats(ctx context.Context, since time.Time) ([]execlog.StageStats, error)
}

// ReadinessChecker answers whether a stage may run for a scope.
type ReadinessChecker interface {
	IsReady(ctx context.Context, stage string, required []tracker.RequiredSource, scope wire.Scope) (bool, error)
}

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	deadLetters DeadLetterService
	stats       StatsSource
	readiness   ReadinessChecker
	topo        *stage.Topology
	db          Pinger
	log         *logger.Logger
}

func NewHandler(deadLetters DeadLetterService, stats StatsSource, readiness ReadinessChecker, topo *stage.Topology, db Pinger, log *logger.Logger) *Handler {
	return &Handler{
		deadLetters: deadLetters,
		stats:       stats,
		readiness:   readiness,
		topo:        topo,
		db:          db,
		log:         log,
	}
}

// RegisterRoutes mounts the operator API.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/healthz", h.Healthz)

	v1 := r.Group("/api/v1")
	{
		v1.GET("/deadletters", h.ListDeadLetters)
		v1.GET("/deadletters/metrics", h.DeadLetterMetrics)
		v1.POST("/deadletters/:id/replay", h.ReplayDeadLetter)
		v1.POST("/deadletters/:id/discard", h.DiscardDeadLetter)
		v1.GET("/executions/stats", h.ExecutionStats)
		v1.GET("/readiness", h.Readiness)
	}
}

// Healthz reports process liveness and store reachability.
func (h *Handler) Healthz(c *gin.Context) {
	if err := h.db.Ping(c.Request.Context()); err != nil {
		h.log.DatabaseError("healthz_ping", err)
		httpkit.Error(c, http.StatusServiceUnavailable, "database unreachable", nil)
		return
	}
	httpkit.OK(c, gin.H{"status": "ok"})
}

// ListDeadLetters returns pending dead letters, oldest first.
func (h *Handler) ListDeadLetters(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	records, err := h.deadLetters.Pending(c.Request.Context(), limit)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, gin.H{"dead_letters": records, "count": len(records)})
}

// DeadLetterMetrics returns the pending backlog size and age-of-oldest.
func (h *Handler) DeadLetterMetrics(c *gin.Context) {
	m, err := h.deadLetters.Metrics(c.Request.Context())
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, m)
}

// ReplayDeadLetter re-publishes a dead letter to its origin topic.
func (h *Handler) ReplayDeadLetter(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		httpkit.HandleError(c, apperr.Validation("invalid dead letter id"))
		return
	}
	if httpkit.HandleError(c, h.deadLetters.Replay(c.Request.Context(), id)) {
		return
	}
	httpkit.OK(c, gin.H{"id": id, "status": deadletter.StatusReplayed})
}

// DiscardDeadLetter marks a dead letter discarded without re-publishing.
func (h *Handler) DiscardDeadLetter(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		httpkit.HandleError(c, apperr.Validation("invalid dead letter id"))
		return
	}
	if httpkit.HandleError(c, h.deadLetters.Discard(c.Request.Context(), id)) {
		return
	}
	httpkit.OK(c, gin.H{"id": id, "status": deadletter.StatusDiscarded})
}

// ExecutionStats aggregates per-stage invocation metrics over a window
// (default 24h).
func (h *Handler) ExecutionStats(c *gin.Context) {
	window, err := time.ParseDuration(c.DefaultQuery("window", "24h"))
	if err != nil || window <= 0 {
		httpkit.HandleError(c, apperr.Validation("invalid window"))
		return
	}
	stats, err := h.stats.Stats(c.Request.Context(), time.Now().Add(-window))
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, gin.H{"window": window.String(), "stages": stats})
}

// Readiness answers whether a stage's required sources meet their
// completeness thresholds for a scope given by ?date= or ?entity_ids=.
func (h *Handler) Readiness(c *gin.Context) {
	name := c.Query("stage")
	desc, ok := h.topo.Stage(name)
	if !ok {
		httpkit.HandleError(c, apperr.NotFound("unknown stage"))
		return
	}

	scope, err := scopeFromQuery(c)
	if err != nil {
		httpkit.HandleError(c, err)
		return
	}

	ready, err := h.readiness.IsReady(c.Request.Context(), desc.Name, desc.RequiredSources, scope)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, gin.H{"stage": desc.Name, "scope_keys": scope.Keys(), "ready": ready})
}

func scopeFromQuery(c *gin.Context) (wire.Scope, error) {
	if ids := c.Query("entity_ids"); ids != "" {
		entityIDs := make([]string, 0)
		for _, id := range strings.Split(ids, ",") {
			if trimmed := strings.TrimSpace(id); trimmed != "" {
				entityIDs = append(entityIDs, trimmed)
			}
		}
		if len(entityIDs) == 0 {
			return wire.Scope{}, apperr.Validation("entity_ids is empty")
		}
		return wire.Scope{Kind: wire.ScopeEntities, EntityIDs: entityIDs}, nil
	}

	date := c.Query("date")
	if date == "" {
		return wire.Scope{}, apperr.Validation("date or entity_ids is required")
	}
	if _, err := time.Parse("2006-01-02", date); err != nil {
		return wire.Scope{}, apperr.Validation("date must be formatted 2006-01-02")
	}
	return wire.Scope{Kind: wire.ScopeDate, Date: date}, nil
}
