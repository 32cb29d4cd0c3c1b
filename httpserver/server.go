package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/Stealth-AI-data-infra/nautilus-ai/handlers"
	"github.com/Stealth-AI-data-infra/nautilus-ai/shared"
)

type HTTPServerConfig struct {
	// ListenAddr is used in standalone mode; VSockPort, when non-zero,
	// switches to a VSOCK listener inside the enclave.
	ListenAddr string
	VSockPort  uint32

	CORSOrigins []string

	// HealthEndpoints are probed by /health_check to report egress reachability.
	HealthEndpoints []string
	HealthClient    *http.Client

	ReadTimeout              time.Duration
	WriteTimeout             time.Duration
	GracefulShutdownDuration time.Duration
}

type Server struct {
	cfg      *HTTPServerConfig
	log      *shared.Logger
	handler  *Handler
	srv      *http.Server
	vsockSrv *shared.VSockHTTPServer
}

func New(cfg *HTTPServerConfig, builder *shared.ResponseBuilder, attester shared.Attester, registry *handlers.Registry, log *shared.Logger) (*Server, error) {
	if builder == nil || attester == nil || registry == nil {
		return nil, errors.New("httpserver: builder, attester and registry are required")
	}
	if log == nil {
		log = shared.NopLogger()
	}
	srv := &Server{
		cfg: cfg,
		log: log,
		handler: &Handler{
			builder:         builder,
			attester:        attester,
			registry:        registry,
			log:             log,
			healthEndpoints: cfg.HealthEndpoints,
			healthClient:    cfg.HealthClient,
		},
	}
	return srv, nil
}

// Router returns the full handler chain, including CORS and request logging.
func (srv *Server) Router() http.Handler {
	mux := chi.NewRouter()
	mux.Use(middleware.Recoverer)
	mux.Use(srv.requestLogger)

	srv.handler.RegisterRoutes(mux)

	origins := srv.cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{
			http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch,
			http.MethodDelete, http.MethodHead, http.MethodOptions,
		},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{requestIDHeader},
		MaxAge:         600,
	})
	return c.Handler(mux)
}

// ListenAndServe blocks until Shutdown is called or the listener fails.
func (srv *Server) ListenAndServe(ctx context.Context) error {
	if srv.cfg.VSockPort != 0 {
		srv.vsockSrv = &shared.VSockHTTPServer{
			Handler:      srv.Router(),
			Port:         srv.cfg.VSockPort,
			ReadTimeout:  srv.cfg.ReadTimeout,
			WriteTimeout: srv.cfg.WriteTimeout,
			IdleTimeout:  60 * time.Second,
		}
		srv.log.Info("Starting HTTP server", zap.Uint32("vsock_port", srv.cfg.VSockPort))
		err := srv.vsockSrv.ListenAndServeVSock(ctx)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}

	ln, err := net.Listen("tcp", srv.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", srv.cfg.ListenAddr, err)
	}
	return srv.Serve(ctx, ln)
}

// Serve runs the API on an existing listener.
func (srv *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv.srv = &http.Server{
		Handler:           srv.Router(),
		ReadTimeout:       srv.cfg.ReadTimeout,
		WriteTimeout:      srv.cfg.WriteTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	srv.log.Info("Starting HTTP server", zap.String("listen_address", ln.Addr().String()))
	if err := srv.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (srv *Server) Shutdown(ctx context.Context) error {
	if d := srv.cfg.GracefulShutdownDuration; d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	var err error
	if srv.vsockSrv != nil {
		err = srv.vsockSrv.Shutdown(ctx)
	}
	if srv.srv != nil {
		err = errors.Join(err, srv.srv.Shutdown(ctx))
	}
	if err != nil {
		srv.log.Error("Graceful HTTP server shutdown failed", zap.Error(err))
		return err
	}
	srv.log.Info("HTTP server gracefully stopped")
	return nil
}
