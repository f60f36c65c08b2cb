package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/opensource-social/magpie/internal/condition"
	"github.com/opensource-social/magpie/internal/domain"
	"github.com/opensource-social/magpie/internal/engine"
	"github.com/opensource-social/magpie/internal/queue"
	"github.com/opensource-social/magpie/internal/repository"
	"github.com/opensource-social/magpie/internal/rulecache"
	"github.com/opensource-social/magpie/internal/worker"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	repo    domain.Repository
	cache   domain.Cache
	bus     domain.EventBus
	engine  *engine.Engine
	rules   *rulecache.Cache
	queue   *queue.Queue
	worker  *worker.Worker
	gate    *condition.Gate
	version string
}

// NewHandler creates a new API handler.
func NewHandler(repo domain.Repository, cache domain.Cache, bus domain.EventBus, eng *engine.Engine, rules *rulecache.Cache, q *queue.Queue, w *worker.Worker, gate *condition.Gate, version string) *Handler {
	return &Handler{
		repo:    repo,
		cache:   cache,
		bus:     bus,
		engine:  eng,
		rules:   rules,
		queue:   q,
		worker:  w,
		gate:    gate,
		version: version,
	}
}

// Webhook handles POST /webhook: one inbound event is validated and
// queued, never processed inline.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	accountID := GetAccountID(ctx)

	var ev domain.WebhookEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	ev.AccountID = accountID

	itemID, err := h.worker.EnqueueEvent(ctx, &ev)
	if errors.Is(err, worker.ErrThrottled) {
		writeJSON(w, http.StatusTooManyRequests, map[string]string{
			"error": err.Error(),
		})
		return
	}
	if errors.Is(err, worker.ErrIgnored) {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to queue event",
		})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"queued":  true,
		"itemId":  itemID,
		"eventId": ev.ID,
	})
}

// MatchRequest is the request body for POST /match.
type MatchRequest struct {
	PostID  string          `json:"postId"`
	Text    string          `json:"text"`
	Options json.RawMessage `json:"options,omitempty"`
}

// Match handles POST /match: synchronous keyword matching without
// responding.
func (h *Handler) Match(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req MatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	opts, err := decodeOptions(req.Options)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid options: " + err.Error(),
		})
		return
	}

	outcome := h.engine.MatchOne(ctx, req.PostID, req.Text, opts)
	status := http.StatusOK
	if !outcome.Success {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, outcome)
}

// MatchBatchRequest is the request body for POST /match/batch.
type MatchBatchRequest struct {
	PostID   string                `json:"postId"`
	Messages []engine.BatchMessage `json:"messages"`
	Options  json.RawMessage       `json:"options,omitempty"`
}

// MatchBatch handles POST /match/batch.
func (h *Handler) MatchBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req MatchBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	opts, err := decodeOptions(req.Options)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid options: " + err.Error(),
		})
		return
	}

	outcome := h.engine.MatchMany(ctx, req.PostID, req.Messages, opts)
	status := http.StatusOK
	if !outcome.Success {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, outcome)
}

// decodeOptions overlays a JSON options object onto the defaults, so
// unspecified fields keep their default values.
func decodeOptions(raw json.RawMessage) (*domain.MatchOptions, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	opts := domain.DefaultMatchOptions()
	if err := json.Unmarshal(raw, &opts); err != nil {
		return nil, err
	}
	return &opts, nil
}

// ruleRequest shadows the enabled flag so omitting it means enabled.
type ruleRequest struct {
	domain.KeywordRule
	Enabled *bool `json:"enabled"`
}

// CreateRule handles POST /rules.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	h.saveRule(w, r, "")
}

// UpdateRule handles PUT /rules/{id}.
func (h *Handler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	h.saveRule(w, r, chi.URLParam(r, "id"))
}

func (h *Handler) saveRule(w http.ResponseWriter, r *http.Request, ruleID string) {
	ctx := r.Context()
	accountID := GetAccountID(ctx)

	var req ruleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	rule := req.KeywordRule
	if ruleID != "" {
		rule.ID = ruleID
	}
	rule.Enabled = req.Enabled == nil || *req.Enabled
	if rule.Strategy == "" {
		rule.Strategy = domain.StrategyContains
	}
	if rule.Priority == 0 {
		rule.Priority = 1
	}

	if rule.Condition != "" {
		if err := h.gate.Validate(rule.Condition); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "invalid condition: " + err.Error(),
			})
			return
		}
	}

	if err := h.repo.SaveRule(ctx, accountID, &rule); err != nil {
		if errors.Is(err, repository.ErrInvalidInput) {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": err.Error(),
			})
			return
		}
		slog.Error("failed to save rule", "rule_id", rule.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save rule",
		})
		return
	}

	// The next match for this post must see the new rule.
	if err := h.rules.Invalidate(ctx, rule.PostID); err != nil {
		slog.Warn("failed to invalidate rule cache", "post_id", rule.PostID, "error", err)
	}
	h.publishRulesUpdated(ctx, accountID, rule.PostID)

	status := http.StatusCreated
	if ruleID != "" {
		status = http.StatusOK
	}
	writeJSON(w, status, rule)
}

// GetRule handles GET /rules/{id}.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	accountID := GetAccountID(ctx)
	ruleID := chi.URLParam(r, "id")

	rule, err := h.repo.GetRule(ctx, accountID, ruleID)
	if errors.Is(err, repository.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "rule not found",
		})
		return
	}
	if err != nil {
		slog.Error("failed to get rule", "rule_id", ruleID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to get rule",
		})
		return
	}

	writeJSON(w, http.StatusOK, rule)
}

// ListRules handles GET /rules.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	accountID := GetAccountID(ctx)

	rules, err := h.repo.ListRules(ctx, accountID)
	if err != nil {
		slog.Error("failed to list rules", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list rules",
		})
		return
	}
	if rules == nil {
		rules = []*domain.KeywordRule{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"rules": rules,
		"count": len(rules),
	})
}

// DeleteRule handles DELETE /rules/{id}.
func (h *Handler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	accountID := GetAccountID(ctx)
	ruleID := chi.URLParam(r, "id")

	// Look up the rule first so its post's cache entry can be evicted.
	rule, err := h.repo.GetRule(ctx, accountID, ruleID)
	if errors.Is(err, repository.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "rule not found",
		})
		return
	}
	if err != nil {
		slog.Error("failed to get rule", "rule_id", ruleID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to delete rule",
		})
		return
	}

	if err := h.repo.DeleteRule(ctx, accountID, ruleID); err != nil {
		slog.Error("failed to delete rule", "rule_id", ruleID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to delete rule",
		})
		return
	}

	if err := h.rules.Invalidate(ctx, rule.PostID); err != nil {
		slog.Warn("failed to invalidate rule cache", "post_id", rule.PostID, "error", err)
	}
	h.publishRulesUpdated(ctx, accountID, rule.PostID)

	writeJSON(w, http.StatusOK, map[string]string{
		"message": "rule deleted",
	})
}

func (h *Handler) publishRulesUpdated(ctx context.Context, accountID, postID string) {
	payload, _ := json.Marshal(map[string]string{"postId": postID})
	if err := h.bus.Publish(ctx, accountID, domain.TopicRulesUpdated, payload); err != nil {
		slog.Debug("failed to publish rules update", "post_id", postID, "error", err)
	}
}

// RefreshCache handles POST /cache/refresh: force-refetch one post's
// rules.
func (h *Handler) RefreshCache(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PostID string `json:"postId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PostID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "postId is required",
		})
		return
	}

	refreshed := h.rules.Refresh(r.Context(), req.PostID)
	writeJSON(w, http.StatusOK, map[string]any{
		"postId":    req.PostID,
		"refreshed": refreshed,
	})
}

// ClearCache handles DELETE /cache: evict every cached rule list.
func (h *Handler) ClearCache(w http.ResponseWriter, r *http.Request) {
	if err := h.rules.ClearAll(r.Context()); err != nil {
		slog.Error("failed to clear rule cache", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to clear cache",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "cache cleared",
	})
}

// QueueItems handles GET /queue with an optional ?status= filter.
func (h *Handler) QueueItems(w http.ResponseWriter, r *http.Request) {
	filter := queue.Status(r.URL.Query().Get("status"))
	items := h.queue.Items(filter)

	writeJSON(w, http.StatusOK, map[string]any{
		"items":  items,
		"count":  len(items),
		"counts": h.queue.Counts(),
	})
}

// QueueItem handles GET /queue/{id}.
func (h *Handler) QueueItem(w http.ResponseWriter, r *http.Request) {
	itemID := chi.URLParam(r, "id")

	item, found := h.queue.Item(itemID)
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "queue item not found",
		})
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// CancelQueueItem handles DELETE /queue/{id}.
func (h *Handler) CancelQueueItem(w http.ResponseWriter, r *http.Request) {
	itemID := chi.URLParam(r, "id")

	if !h.queue.Cancel(itemID) {
		writeJSON(w, http.StatusConflict, map[string]string{
			"error": "item is not pending",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "item cancelled",
	})
}

// ClearQueue handles DELETE /queue: drop all pending items.
func (h *Handler) ClearQueue(w http.ResponseWriter, r *http.Request) {
	removed := h.queue.Clear()
	writeJSON(w, http.StatusOK, map[string]any{
		"removed": removed,
	})
}

// ClearCompleted handles DELETE /queue/completed.
func (h *Handler) ClearCompleted(w http.ResponseWriter, r *http.Request) {
	removed := h.queue.ClearCompleted()
	writeJSON(w, http.StatusOK, map[string]any{
		"removed": removed,
	})
}

// ListActivities handles GET /activities.
func (h *Handler) ListActivities(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	accountID := GetAccountID(ctx)

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}

	activities, err := h.repo.ListActivities(ctx, accountID, limit)
	if err != nil {
		slog.Error("failed to list activities", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list activities",
		})
		return
	}
	if activities == nil {
		activities = []*domain.Activity{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"activities": activities,
		"count":      len(activities),
	})
}

// Metrics handles GET /metrics: engine, queue, and cache counters.
func (h *Handler) Metrics(w http.ResponseWriter, r *http.Request) {
	hits, misses := h.rules.Stats()

	writeJSON(w, http.StatusOK, map[string]any{
		"engine": h.engine.Metrics(),
		"queue":  h.queue.Stats(),
		"counts": h.queue.Counts(),
		"ruleCache": map[string]int64{
			"hits":   hits,
			"misses": misses,
		},
		"worker":  h.worker.GetStats(),
		"version": h.version,
	})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.bus != nil {
		if err := h.bus.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
