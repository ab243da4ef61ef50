// Package server exposes the facilitator over HTTP. Priced endpoints
// answer without an X-PAYMENT header with 402 and the payment terms, and
// with one by verifying it and applying the purchase.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	x402 "github.com/vitwit/x402-market"
	"github.com/vitwit/x402-market/config"
	"github.com/vitwit/x402-market/logger"
)

const (
	// PaymentHeader carries the round 2 proof.
	PaymentHeader = "X-PAYMENT"

	// PaymentResponseHeader carries the verification result of a paid request.
	PaymentResponseHeader = "X-PAYMENT-RESPONSE"

	defaultPageSize = 100
)

type Dependencies struct {
	Facilitator *x402.Facilitator

	// Gatherer backs /metrics; nil disables the endpoint.
	Gatherer prometheus.Gatherer
	Logger   logger.Logger
	PageSize int
}

type Server struct {
	cfg    config.HTTPConfig
	logger logger.Logger
	server *http.Server
	router http.Handler
}

func New(cfg config.HTTPConfig, deps Dependencies) (*Server, error) {
	if deps.Facilitator == nil {
		return nil, fmt.Errorf("facilitator is nil")
	}
	if deps.Logger == nil {
		deps.Logger = logger.NoopLogger{}
	}
	if deps.PageSize <= 0 {
		deps.PageSize = defaultPageSize
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	if cfg.WriteTimeout > 0 {
		r.Use(chimiddleware.Timeout(cfg.WriteTimeout))
	}
	r.Use(requestLogger(deps.Logger))

	RegisterRoutes(r, deps)

	return &Server{
		cfg:    cfg,
		logger: deps.Logger,
		router: r,
		server: &http.Server{
			Addr:         cfg.Addr,
			Handler:      r,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
	}, nil
}

func RegisterRoutes(r chi.Router, deps Dependencies) {
	h := &handler{
		fac:      deps.Facilitator,
		logger:   deps.Logger,
		pageSize: deps.PageSize,
	}

	r.Get("/healthz", h.healthz)
	r.Get("/readyz", h.readyz)
	if deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/supported", h.supported)
		r.Get("/status/{wallet}", h.status)
		r.Post("/paywall", h.paywall)

		r.Get("/listings", h.listings)
		r.Post("/listings", h.createListing)
		r.Get("/listings/{id}", h.listing)
		r.Post("/listings/{id}/buy", h.buy)

		r.Get("/inventory/{wallet}", h.inventory)
	})
}

func (s *Server) Run() error {
	s.logger.Info("api server started", map[string]any{"addr": s.cfg.Addr})
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func requestLogger(log logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Info("http_request", map[string]any{
				"method":     r.Method,
				"path":       r.URL.Path,
				"status":     ww.Status(),
				"duration":   time.Since(start).String(),
				"request_id": chimiddleware.GetReqID(r.Context()),
			})
		})
	}
}
