package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

	"github.com/agrolink-io/agrolink/internal/commandlog"
	"github.com/agrolink-io/agrolink/internal/pkg/metrics"
	"github.com/agrolink-io/agrolink/pkg/log"
	"github.com/agrolink-io/agrolink/pkg/options"
)

type Server struct {
	server  *http.Server
	options *options.HttpOptions
	logger  log.Logger
}

// NewServer serves the command API, the probes and metrics on opts.Addr.
func NewServer(opts *options.HttpOptions, auth *options.AuthOptions, store commandlog.Log, states StateLister) *Server {
	logger := log.WithName("http")

	return &Server{
		server: &http.Server{
			Addr:         opts.Addr,
			Handler:      NewHandler(auth, store, states, logger),
			ReadTimeout:  opts.ReadTimeout,
			WriteTimeout: opts.WriteTimeout,
		},
		options: opts,
		logger:  logger,
	}
}

// NewHandler builds the router. Write routes go through the rate limiter and,
// when a secret is configured, bearer authentication.
func NewHandler(auth *options.AuthOptions, store commandlog.Log, states StateLister, logger log.Logger) http.Handler {
	h := &handler{store: store, states: states, logger: logger}

	var (
		verifier *Verifier
		limiter  *rate.Limiter
	)
	if auth != nil {
		if auth.JWTSecret != "" {
			verifier = NewVerifier(auth.JWTSecret, auth.JWTIssuer)
		}
		if auth.WriteRPS > 0 {
			limiter = rate.NewLimiter(rate.Limit(auth.WriteRPS), auth.WriteBurst)
		}
	}
	write := func(fn http.HandlerFunc) http.Handler {
		return rateLimit(limiter, requireAuth(verifier, fn))
	}

	r := mux.NewRouter()
	r.Use(requestLogger(logger))

	r.HandleFunc("/healthz", healthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", h.readyz).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Handle("/commands", write(h.appendCommand)).Methods(http.MethodPost)
	api.Handle("/commands/{id}", write(h.updateCommand)).Methods(http.MethodPut)
	api.HandleFunc("/commands/{id}", h.getCommand).Methods(http.MethodGet)
	api.HandleFunc("/devices", h.devices).Methods(http.MethodGet)
	api.HandleFunc("/devices/{device}/command", h.latest).Methods(http.MethodGet)
	api.HandleFunc("/devices/{device}/commands", h.history).Methods(http.MethodGet)

	return r
}

func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting HTTP server", "addr", s.server.Addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.options.ShutdownTimeout)
		defer cancel()
		s.logger.Info("Shutting down HTTP server")
		return s.server.Shutdown(shutdownCtx)
	}
}
