// Package handler provides HTTP request handlers for capgate.
package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/devrev/capgate/internal/breaker"
	apierrors "github.com/devrev/capgate/internal/errors"
	"github.com/devrev/capgate/internal/middleware"
	"github.com/devrev/capgate/internal/model"
	"github.com/devrev/capgate/internal/service"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Writer executes writes
type Writer interface {
	Write(ctx context.Context, sessionID, key, value string, mode model.Mode) *service.WriteResult
}

// Evaluator computes read verdicts
type Evaluator interface {
	Evaluate(ctx context.Context, sessionID, key string, mode model.Mode) *model.ConsistencyVerdict
}

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	writer       Writer
	evaluator    Evaluator
	breakers     []*breaker.CircuitBreaker
	mode         model.Mode
	errorHandler *apierrors.Handler
	logger       *zap.Logger
}

// NewHandlers creates a new Handlers instance. mode is used unless a write
// overrides it with ?mode=.
func NewHandlers(
	writer Writer,
	evaluator Evaluator,
	breakers []*breaker.CircuitBreaker,
	mode model.Mode,
	errorHandler *apierrors.Handler,
	logger *zap.Logger,
) *Handlers {
	return &Handlers{
		writer:       writer,
		evaluator:    evaluator,
		breakers:     breakers,
		mode:         mode,
		errorHandler: errorHandler,
		logger:       logger,
	}
}

// WriteResponse is the body of POST /write/{key}/{value}
type WriteResponse struct {
	Status          string `json:"status"`
	Mode            string `json:"mode"`
	Message         string `json:"message"`
	Reason          string `json:"reason,omitempty"`
	Timestamp       int64  `json:"timestamp,omitempty"`
	SecondaryStatus string `json:"secondaryStatus,omitempty"`
}

// ReadResponse is the body of GET /read/{key}. Absent values encode as null.
type ReadResponse struct {
	Key                  string  `json:"key"`
	Mode                 string  `json:"mode"`
	PrimaryValue         *string `json:"primaryValue"`
	SecondaryValue       *string `json:"secondaryValue"`
	PrimaryStalenessMs   int64   `json:"primaryStalenessMs"`
	SecondaryStalenessMs int64   `json:"secondaryStalenessMs"`
	Consistent           bool    `json:"consistent"`
	WithinStalenessBound bool    `json:"withinStalenessBound"`
	ConsistencyStatus    string  `json:"consistencyStatus"`
	ReadYourWritesOK     bool    `json:"readYourWritesOk"`
}

// BreakerResponse describes one circuit breaker
type BreakerResponse struct {
	State           string `json:"state"`
	FailureCount    uint   `json:"failureCount"`
	LastFailureTime int64  `json:"lastFailureTime"`
	Threshold       uint   `json:"threshold"`
	OpenDurationMs  int64  `json:"openDurationMs"`
}

// Write handles POST /write/{key}/{value}
func (h *Handlers) Write(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-ID")
	vars := mux.Vars(r)

	mode := h.mode
	if override := r.URL.Query().Get("mode"); override != "" {
		parsed, err := model.ParseMode(override)
		if err != nil {
			h.errorHandler.WriteValidationError(w, err.Error(), requestID)
			return
		}
		mode = parsed
	}

	result := h.writer.Write(r.Context(), middleware.SessionID(r.Context()), vars["key"], vars["value"], mode)

	resp := WriteResponse{
		Status:          result.Status(),
		Mode:            result.Mode.String(),
		Message:         result.Message,
		Reason:          string(result.Reason),
		Timestamp:       result.Timestamp,
		SecondaryStatus: result.SecondaryStatus,
	}

	statusCode := http.StatusOK
	if !result.Success {
		statusCode = apierrors.ErrorCode(result.Reason).HTTPStatus()
		h.logger.Error("write failed",
			zap.String("event", "REQUEST_FAILED"),
			zap.String("key", vars["key"]),
			zap.String("mode", mode.String()),
			zap.String("reason", string(result.Reason)),
			zap.String("request_id", requestID))
	}

	h.writeJSONResponse(w, statusCode, resp)
}

// Read handles GET /read/{key}. A read always answers 200; replica problems
// show up in the verdict.
func (h *Handlers) Read(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	v := h.evaluator.Evaluate(r.Context(), middleware.SessionID(r.Context()), key, h.mode)

	h.writeJSONResponse(w, http.StatusOK, ReadResponse{
		Key:                  v.Key,
		Mode:                 v.Mode.String(),
		PrimaryValue:         v.PrimaryValue,
		SecondaryValue:       v.SecondaryValue,
		PrimaryStalenessMs:   v.PrimaryStalenessMs,
		SecondaryStalenessMs: v.SecondaryStalenessMs,
		Consistent:           v.Consistent,
		WithinStalenessBound: v.WithinStalenessBound,
		ConsistencyStatus:    v.Status(),
		ReadYourWritesOK:     v.ReadYourWritesOK,
	})
}

// CircuitBreakers handles GET /circuit-breaker
func (h *Handlers) CircuitBreakers(w http.ResponseWriter, r *http.Request) {
	resp := make(map[string]BreakerResponse, len(h.breakers))
	for _, cb := range h.breakers {
		s := cb.Snapshot()
		resp[s.Target] = BreakerResponse{
			State:           s.State.String(),
			FailureCount:    s.FailureCount,
			LastFailureTime: s.LastFailureTime,
			Threshold:       s.Threshold,
			OpenDurationMs:  s.OpenDuration.Milliseconds(),
		}
	}

	h.writeJSONResponse(w, http.StatusOK, resp)
}

// writeJSONResponse writes a JSON response.
func (h *Handlers) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode JSON response", zap.Error(err))
	}
}
