// Package server assembles the gateway's chi router out of the ingress
// adapters, health check, metrics exporter, and billing endpoints.
package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	anthropicingress "github.com/xjp-router/xjp-gateway/internal/ingress/anthropic"
	billingingress "github.com/xjp-router/xjp-gateway/internal/ingress/billing"
	openaiingress "github.com/xjp-router/xjp-gateway/internal/ingress/openai"
	"github.com/xjp-router/xjp-gateway/internal/store"
)

// Deps bundles every handler the router dispatches to.
type Deps struct {
	OpenAI      *openaiingress.Handler
	Anthropic   *anthropicingress.Handler
	Billing     *billingingress.Handler
	MetricsReg  *prometheus.Registry
	Store       *store.Store
}

// Server is the top-level http.Handler for the gateway.
type Server struct {
	router chi.Router
}

// New wires routes and middleware and returns a ready-to-serve Server.
func New(deps Deps) *Server {
	s := &Server{}
	s.routes(deps)
	return s
}

func (s *Server) routes(deps Deps) {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Get("/healthz", healthHandler(deps.Store))
	r.Handle("/metrics", promhttp.HandlerFor(deps.MetricsReg, promhttp.HandlerOpts{}))

	r.Post("/v1/chat/completions", deps.OpenAI.ServeHTTP)
	r.Post("/v1/messages", deps.Anthropic.ServeHTTP)

	r.Post("/billing/quote", deps.Billing.Quote)
	r.Get("/billing/transactions", deps.Billing.Transactions)
	r.Get("/billing/summary", deps.Billing.Summary)

	s.router = r
}

func healthHandler(st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := st.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("degraded"))
			return
		}
		_, _ = w.Write([]byte("ok"))
	}
}

// ServeHTTP makes Server satisfy http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
