package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/crosslogic/usage-meter/internal/metering"
	"github.com/crosslogic/usage-meter/pkg/models"
)

type checkRequest struct {
	Operation models.OperationKind `json:"operation"`
}

type completionRequest struct {
	Operation    models.OperationKind `json:"operation"`
	Model        string               `json:"model"`
	InputTokens  int64                `json:"input_tokens"`
	OutputTokens int64                `json:"output_tokens"`
	Cached       bool                 `json:"cached"`
}

func (g *Gateway) handleCheckEntitlement(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if !g.decode(w, r, &req) {
		return
	}

	d, err := g.engine.CheckAccount(r.Context(), accountIDFrom(r.Context()), req.Operation)
	if err != nil {
		g.writeMeteringError(w, r, err)
		return
	}

	var denied *metering.EntitlementDeniedError
	if errors.As(d.Err(), &denied) {
		if after := denied.RetryAfter(g.now()); after > 0 {
			w.Header().Set("Retry-After", strconv.FormatInt(int64(after.Seconds()), 10))
		}
		g.writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
			"error": map[string]interface{}{
				"message":   denied.Error(),
				"type":      "entitlement_denied",
				"reason":    denied.Reason,
				"limit":     denied.Limit,
				"used":      denied.Used,
				"remaining": denied.Remaining,
				"resets_at": denied.ResetsAt,
			},
			"decision": d,
		})
		return
	}

	g.writeJSON(w, http.StatusOK, d)
}

func (g *Gateway) handleRecordCompletion(w http.ResponseWriter, r *http.Request) {
	var req completionRequest
	if !g.decode(w, r, &req) {
		return
	}

	receipt, err := g.engine.RecordCompletion(r.Context(), metering.Completion{
		AccountID:    accountIDFrom(r.Context()),
		Kind:         req.Operation,
		Model:        req.Model,
		InputTokens:  req.InputTokens,
		OutputTokens: req.OutputTokens,
		Cached:       req.Cached,
	})
	if err != nil {
		g.writeMeteringError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusAccepted, receipt)
}

func (g *Gateway) handleGetUsage(w http.ResponseWriter, r *http.Request) {
	g.writeUsageSummary(w, r, accountIDFrom(r.Context()))
}

func (g *Gateway) handleAccountUsage(w http.ResponseWriter, r *http.Request) {
	g.writeUsageSummary(w, r, chi.URLParam(r, "accountID"))
}

func (g *Gateway) writeUsageSummary(w http.ResponseWriter, r *http.Request, accountID string) {
	summary, err := g.engine.GetUsageSummary(r.Context(), accountID)
	if err != nil {
		g.writeMeteringError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, summary)
}

func (g *Gateway) handleCostAnalytics(w http.ResponseWriter, r *http.Request) {
	window := metering.DefaultAnalyticsWindowDays
	if raw := r.URL.Query().Get("window_days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			g.writeError(w, http.StatusBadRequest, "invalid_request_error", "window_days must be a positive integer")
			return
		}
		window = n
	}

	report, err := g.engine.GetCostAnalytics(r.Context(), window)
	if err != nil {
		g.writeMeteringError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, report)
}

func (g *Gateway) handleRunRetention(w http.ResponseWriter, r *http.Request) {
	if g.retention == nil {
		g.writeError(w, http.StatusNotFound, "not_found_error", "ledger retention is disabled")
		return
	}
	result, err := g.retention.RunOnce(r.Context())
	if err != nil {
		g.logger.Error("manual retention run failed",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
		g.writeError(w, http.StatusServiceUnavailable, "unavailable_error", "retention run failed")
		return
	}
	g.writeJSON(w, http.StatusOK, result)
}

func (g *Gateway) handlePricing(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, g.engine.Calculator().Table())
}

func (g *Gateway) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			g.writeError(w, http.StatusRequestEntityTooLarge, "invalid_request_error", "request body too large")
			return false
		}
		g.writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON body")
		return false
	}
	return true
}

// writeMeteringError maps engine errors onto status codes.
func (g *Gateway) writeMeteringError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, metering.ErrInvalidRequest):
		g.writeError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
	case errors.Is(err, models.ErrAccountNotFound):
		g.writeError(w, http.StatusNotFound, "not_found_error", "account not found")
	case errors.Is(err, metering.ErrStorageUnavailable):
		g.logger.Error("usage storage unavailable",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		w.Header().Set("Retry-After", "5")
		g.writeError(w, http.StatusServiceUnavailable, "unavailable_error", "usage storage unavailable, retry later")
	default:
		g.logger.Error("request failed",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		msg := err.Error()
		if containsSensitiveInfo(msg) {
			msg = "internal error"
		}
		g.writeError(w, http.StatusInternalServerError, "internal_error", msg)
	}
}
