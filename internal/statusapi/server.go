package statusapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/tradingiq/tradingview-client/interfaces"
	"github.com/tradingiq/tradingview-client/session"
	"github.com/tradingiq/tradingview-client/types"
)

// Source is the read-only view of a feed client the status surface reports on.
type Source interface {
	IsConnected() bool
	Hello() types.ServerHello
	Sessions() []session.Info
	Subscriptions() []interfaces.Subscription
}

type healthResponse struct {
	Status    string `json:"status"`
	Connected bool   `json:"connected"`
	Release   string `json:"release,omitempty"`
	Sessions  int    `json:"sessions"`
}

type sessionsResponse struct {
	Sessions      []session.Info            `json:"sessions"`
	Subscriptions []interfaces.Subscription `json:"subscriptions"`
}

// NewServer returns the status handler. /healthz answers 503 while the socket
// is down so that supervisors can restart the process.
func NewServer(src Source, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}

	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(requestLogger(logger))
	router.Use(middleware.Recoverer)

	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{
			Status:    "ok",
			Connected: src.IsConnected(),
			Release:   src.Hello().Release,
			Sessions:  len(src.Sessions()),
		}
		status := http.StatusOK
		if !resp.Connected {
			resp.Status = "disconnected"
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, resp, logger)
	})

	router.Get("/sessions", func(w http.ResponseWriter, r *http.Request) {
		resp := sessionsResponse{
			Sessions:      src.Sessions(),
			Subscriptions: src.Subscriptions(),
		}
		if resp.Sessions == nil {
			resp.Sessions = []session.Info{}
		}
		if resp.Subscriptions == nil {
			resp.Subscriptions = []interfaces.Subscription{}
		}
		writeJSON(w, http.StatusOK, resp, logger)
	})

	return router
}

func writeJSON(w http.ResponseWriter, status int, v any, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("Status response write failed", zap.Error(err))
	}
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())))
		})
	}
}
