// Package server exposes the relay over HTTP. Money fields are encoded the
// way the process configures decimal.MarshalJSONWithoutQuotes; the courier
// binary renders them as JSON numbers.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/opencourier/courier/pkg/logger"
	"github.com/opencourier/courier/pkg/metrics"
	"github.com/opencourier/courier/pkg/models"
	"github.com/opencourier/courier/pkg/relay"
)

// Service is the relay surface the HTTP API serves.
type Service interface {
	Send(ctx context.Context, req relay.SendRequest) (relay.SendResult, error)
	GetMessage(ctx context.Context, id string) (models.Message, error)
	ListOutbound(ctx context.Context, limit int) ([]models.Message, error)
	PullInbox(ctx context.Context, q models.InboxQuery) (relay.InboxPage, error)
	UpdateInboxStatus(ctx context.Context, id, status string) (models.Message, error)
	SimulateInbound(ctx context.Context, sender, body string) (models.Message, error)
	BudgetStatus(ctx context.Context) (models.BudgetStatus, error)
	UpdateBudget(ctx context.Context, u models.BudgetUpdate) (models.BudgetStatus, error)
	Usage(ctx context.Context) (relay.Usage, error)
	History(ctx context.Context) ([]models.DailyUsage, error)
	Activity(ctx context.Context, limit int) (relay.Activity, error)
	Rates() models.RateCard
	Reset(ctx context.Context) error
}

// Options configures a Server.
type Options struct {
	Listen string
	// DevMode mounts POST /api/dev/reset-seed.
	DevMode bool
	// Events, if set, serves GET /api/events.
	Events http.Handler
	Logger *zap.Logger
}

// Server is the Courier HTTP API.
type Server struct {
	svc    Service
	opts   Options
	logger *zap.Logger
	router chi.Router
}

// New creates a Server with all routes mounted.
func New(svc Service, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	s := &Server{svc: svc, opts: opts, logger: opts.Logger}

	r := chi.NewRouter()
	r.Use(jsonRecoverer(s.logger))
	r.Use(chiMiddleware.RequestID)
	r.Use(requestLog(s.logger))
	r.Use(metrics.Middleware())

	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Post("/send", s.handleSend)
		r.Get("/messages", s.handleListMessages)
		r.Get("/messages/{id}", s.handleGetMessage)
		r.Get("/inbox", s.handleInbox)
		r.Patch("/inbox/{id}", s.handleInboxUpdate)
		r.Post("/simulate-inbound", s.handleSimulateInbound)
		r.Get("/usage", s.handleUsage)
		r.Get("/usage/history", s.handleUsageHistory)
		r.Get("/budget", s.handleBudget)
		r.Post("/budget", s.handleBudgetUpdate)
		r.Get("/activity", s.handleActivity)
		r.Get("/rates", s.handleRates)
		if opts.Events != nil {
			r.Get("/events", opts.Events.ServeHTTP)
		}
		if opts.DevMode {
			r.Post("/dev/reset-seed", s.handleResetSeed)
		}
	})
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeJSONError(w, http.StatusNotFound, codeNotFound, "Route not found")
	})
	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe starts the server and shuts it down gracefully when ctx
// is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Listen,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("courier listening", zap.String("addr", s.opts.Listen))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// jsonRecoverer turns a handler panic into a SERVER_ERROR response.
func jsonRecoverer(log *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rvr := recover(); rvr != nil {
					if rvr == http.ErrAbortHandler {
						panic(rvr)
					}
					log.Error("panic recovered",
						zap.Any("panic", rvr),
						zap.Stack("stacktrace"),
					)
					writeJSONError(w, http.StatusInternalServerError, codeServerError, "An unexpected error occurred")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// requestLog emits one log line per request and propagates X-Request-ID.
func requestLog(log *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			requestID := chiMiddleware.GetReqID(r.Context())
			if requestID != "" {
				w.Header().Set("X-Request-ID", requestID)
			}

			reqLogger := log.With(zap.String("request_id", requestID))
			ctx := logger.ContextWithLogger(r.Context(), reqLogger)

			ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))

			reqLogger.Info("http_request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("latency", time.Since(start)),
				zap.String("ip", r.RemoteAddr),
				zap.Int("response_bytes", ww.BytesWritten()),
			)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
