// Package api serves the signed WhatsApp webhook that drives conversation turns, plus a small
// read-mostly admin API over flows, conversations and alerts.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/BTreeMap/CourseBot/internal/flow"
	"github.com/BTreeMap/CourseBot/internal/metrics"
	"github.com/BTreeMap/CourseBot/internal/models"
	"github.com/BTreeMap/CourseBot/internal/store"
	"github.com/BTreeMap/CourseBot/internal/twiliowhatsapp"
)

// Default server settings.
const (
	DefaultAddr        = ":8080"
	DefaultTurnTimeout = 30 * time.Second
	shutdownTimeout    = 10 * time.Second
	webhookPath        = "/api/whatsapp/webhook"
)

// Opts holds configuration options for the API server.
type Opts struct {
	Addr          string // listen address
	PublicBaseURL string // externally visible scheme and host, used for signature checks
	AuthToken     string // provider auth token, used for signature checks
	VerifyToken   string // token expected by the GET verification handshake
	SkipSignature bool   // accept unsigned webhooks (local development only)
	TurnTimeout   time.Duration
	Gatherer      prometheus.Gatherer // serves /metrics when set
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithPublicBaseURL sets the public URL prefix the provider signs requests against.
func WithPublicBaseURL(base string) Option {
	return func(o *Opts) { o.PublicBaseURL = strings.TrimRight(base, "/") }
}

// WithAuthToken sets the provider auth token used to validate webhook signatures.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithVerifyToken sets the token for the GET verification handshake.
func WithVerifyToken(token string) Option {
	return func(o *Opts) { o.VerifyToken = token }
}

// WithSkipSignatureValidation disables webhook signature checks.
func WithSkipSignatureValidation(skip bool) Option {
	return func(o *Opts) { o.SkipSignature = skip }
}

// WithTurnTimeout bounds the work done for one inbound message.
func WithTurnTimeout(d time.Duration) Option {
	return func(o *Opts) {
		if d > 0 {
			o.TurnTimeout = d
		}
	}
}

// WithGatherer exposes the given registry on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(o *Opts) { o.Gatherer = g }
}

// TurnHandler runs one conversation turn. *flow.Engine satisfies it.
type TurnHandler interface {
	HandleTurn(ctx context.Context, in models.InboundMessage) (*flow.TurnResult, error)
}

// FlowAdmin reads and activates flow definitions. *flowstore.Store satisfies it.
type FlowAdmin interface {
	ListFlows() []models.Flow
	Flow(id int) (*models.Flow, bool)
	SetActive(id int) (*models.Flow, error)
	Reload() error
}

// Server holds the collaborators behind the HTTP routes.
type Server struct {
	opts      Opts
	turns     TurnHandler
	flows     FlowAdmin
	st        store.Store
	validator *twiliowhatsapp.SignatureValidator
	metrics   *metrics.Metrics
}

// NewServer creates a new API server.
func NewServer(turns TurnHandler, flows FlowAdmin, st store.Store, m *metrics.Metrics, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr, TurnTimeout: DefaultTurnTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if !cfg.SkipSignature && cfg.AuthToken == "" {
		slog.Warn("Server: no auth token configured, every signed webhook will be rejected")
	}
	if cfg.SkipSignature {
		slog.Warn("Server: webhook signature validation disabled")
	}
	return &Server{
		opts:      cfg,
		turns:     turns,
		flows:     flows,
		st:        st,
		validator: twiliowhatsapp.NewSignatureValidator(cfg.AuthToken),
		metrics:   m,
	}
}

// Router builds the HTTP routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/health"))

	r.Post(webhookPath, s.webhookHandler)
	r.Get(webhookPath, s.verifyHandler)

	r.Route("/api", func(api chi.Router) {
		api.Get("/flows", s.listFlowsHandler)
		api.Post("/flows/reload", s.reloadFlowsHandler)
		api.Get("/flows/{id}", s.getFlowHandler)
		api.Put("/flows/{id}/active", s.activateFlowHandler)
		api.Get("/conversations/{address}", s.conversationHandler)
		api.Get("/alerts", s.alertsHandler)
	})

	if s.opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", s.opts.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	slog.Info("Server.Run: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server.Run: graceful shutdown failed", "error", err)
		return err
	}
	return nil
}
