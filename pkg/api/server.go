package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sort"
	"time"

	"github.com/cuemby/rpcguard/pkg/log"
	"github.com/cuemby/rpcguard/pkg/metrics"
	"github.com/cuemby/rpcguard/pkg/ratelimit"
	"github.com/cuemby/rpcguard/pkg/tracing"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// Options wires the admin server to the pipeline components it exposes.
// Nil components leave their routes unregistered.
type Options struct {
	Health  *metrics.HealthChecker
	Metrics *metrics.Recorder
	Limits  *ratelimit.Registry
	Tracer  *tracing.Tracer

	// RPS and Burst throttle the /v1 routes per client IP. Zero disables it.
	RPS   float64
	Burst int
}

// Server is the HTTP admin surface: health checks, Prometheus scrape and
// read-mostly views of rate limiter and trace state.
type Server struct {
	router *mux.Router
	opts   Options
	logger zerolog.Logger

	server *http.Server
}

// NewServer builds the router. Call Start or Serve to listen.
func NewServer(opts Options) *Server {
	s := &Server{
		router: mux.NewRouter(),
		opts:   opts,
		logger: log.WithComponent("admin-api"),
	}
	s.routes()
	s.server = &http.Server{
		Handler:      s.router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	if h := s.opts.Health; h != nil {
		s.router.HandleFunc("/health", h.HealthHandler()).Methods(http.MethodGet)
		s.router.HandleFunc("/ready", h.ReadyHandler()).Methods(http.MethodGet)
		s.router.HandleFunc("/live", h.LivenessHandler()).Methods(http.MethodGet)
	}
	if s.opts.Metrics != nil {
		s.router.Handle("/metrics", s.opts.Metrics.Handler()).Methods(http.MethodGet)
	}

	v1 := s.router.PathPrefix("/v1").Subrouter()
	if s.opts.RPS > 0 {
		burst := s.opts.Burst
		if burst < 1 {
			burst = 1
		}
		v1.Use(NewThrottle(s.opts.RPS, burst).Middleware)
	}

	if s.opts.Limits != nil {
		v1.HandleFunc("/ratelimit/endpoints", s.listEndpoints).Methods(http.MethodGet)
		v1.HandleFunc("/ratelimit/clients", s.listClients).Methods(http.MethodGet)
		v1.HandleFunc("/ratelimit/clients/{client_id}", s.getClient).Methods(http.MethodGet)
		v1.HandleFunc("/ratelimit/clients/{client_id}", s.resetClient).Methods(http.MethodDelete)
	}
	if s.opts.Tracer != nil {
		v1.HandleFunc("/traces/{trace_id}", s.getTrace).Methods(http.MethodGet)
	}
}

// Handler returns the root handler, mostly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on addr and serves until Shutdown.
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(lis)
}

// Serve serves on lis until Shutdown. It returns nil after a clean
// shutdown, including one that happened before Serve was called.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info().Str("addr", lis.Addr().String()).Msg("Admin API listening")
	if err := s.server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

type endpointView struct {
	Endpoint string           `json:"endpoint"`
	Config   ratelimit.Config `json:"config"`
	Clients  int              `json:"clients"`
}

func (s *Server) listEndpoints(w http.ResponseWriter, r *http.Request) {
	reg := s.opts.Limits
	out := []endpointView{{
		Endpoint: reg.Default().Name(),
		Config:   reg.Default().Config(),
		Clients:  reg.Default().Clients(),
	}}
	for _, ep := range reg.Endpoints() {
		l := reg.For(ep)
		out = append(out, endpointView{Endpoint: ep, Config: l.Config(), Clients: l.Clients()})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) listClients(w http.ResponseWriter, r *http.Request) {
	all := s.opts.Limits.AllStatus()
	if ep := r.URL.Query().Get("endpoint"); ep != "" {
		filtered := all[:0]
		for _, st := range all {
			if st.Endpoint == ep {
				filtered = append(filtered, st)
			}
		}
		all = filtered
	}
	if all == nil {
		all = []ratelimit.Status{}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].ClientID != all[j].ClientID {
			return all[i].ClientID < all[j].ClientID
		}
		return all[i].Endpoint < all[j].Endpoint
	})
	writeJSON(w, http.StatusOK, all)
}

func (s *Server) getClient(w http.ResponseWriter, r *http.Request) {
	clientID := mux.Vars(r)["client_id"]
	statuses := s.opts.Limits.Status(clientID)
	if len(statuses) == 0 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no rate limit state for client "+clientID)
		return
	}
	writeJSON(w, http.StatusOK, statuses)
}

func (s *Server) resetClient(w http.ResponseWriter, r *http.Request) {
	clientID := mux.Vars(r)["client_id"]
	s.opts.Limits.Reset(clientID)
	s.logger.Info().Str("client_id", clientID).Msg("Rate limit state reset")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getTrace(w http.ResponseWriter, r *http.Request) {
	traceID := mux.Vars(r)["trace_id"]
	spans := s.opts.Tracer.GetSpans(traceID)
	if spans == nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "trace not found: "+traceID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"trace_id": traceID,
		"spans":    spans,
	})
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, code int, errCode, msg string) {
	writeJSON(w, code, errorBody{Error: errCode, Message: msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
