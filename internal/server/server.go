// Package server wires the allocator, the RDMA-CM listener, and the
// admin HTTP surface into a single rdmapoold process.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/blockforge/rdmapool/internal/blockpool"
	"github.com/blockforge/rdmapool/internal/config"
	"github.com/blockforge/rdmapool/internal/rdmacm"
	"github.com/blockforge/rdmapool/internal/shutdown"
)

// Version is the current version of rdmapoold.
const Version = "0.1.0"

// Server owns the allocator, the CM listener, and the admin HTTP
// surface for one rdmapoold process.
type Server struct {
	cfg *config.Config

	pool    *blockpool.Pool
	backend rdmacm.Backend
	cmConn  *rdmacm.CMConn

	admin     *http.Server
	inFlight  atomic.Int64
	coord     *shutdown.Coordinator
	regKeySeq atomic.Uint32
}

// New builds a Server: it stands up the block pool and the RDMA-CM
// listener but does not accept connections or serve HTTP until Start
// is called.
func New(cfg *config.Config) (*Server, error) {
	s := &Server{cfg: cfg}

	blockCfg := blockpool.Config{
		InitialSizeMB:      cfg.BlockPool.InitialSizeMB,
		IncreaseSizeMB:     cfg.BlockPool.IncreaseSizeMB,
		MaxRegions:         cfg.BlockPool.MaxRegions,
		Buckets:            cfg.BlockPool.Buckets,
		BaseBlockSizeBytes: cfg.BlockPool.BaseBlockSizeBytes,
	}
	pool, err := blockpool.New(blockCfg, s.registerMemory)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize block pool: %w", err)
	}
	s.pool = pool
	log.Info().
		Uint64("initial_size_mb", cfg.BlockPool.InitialSizeMB).
		Int("buckets", cfg.BlockPool.Buckets).
		Msg("block pool initialized")

	s.backend = rdmacm.NewSimulatedBackend()
	cmCfg := rdmacm.Config{
		Backlog:       cfg.CM.Backlog,
		ConnTimeout:   cfg.CM.ConnTimeout,
		FlowControl:   cfg.CM.FlowControl,
		RetryCount:    cfg.CM.RetryCount,
		RNRRetryCount: cfg.CM.RNRRetryCount,
	}
	conn, err := rdmacm.Listen(s.backend, cfg.CM.Endpoint, cmCfg)
	if err != nil {
		_ = pool.Destroy()
		return nil, fmt.Errorf("failed to start CM listener: %w", err)
	}
	s.cmConn = conn
	log.Info().Str("endpoint", cfg.CM.Endpoint).Msg("RDMA-CM listener bound")

	s.admin = s.buildAdminServer()
	s.coord = shutdown.NewCoordinator(shutdown.DefaultConfig())

	return s, nil
}

// registerMemory stands in for the NIC memory registration call: it
// hands the block pool a nonzero, per-server-unique key for the
// region it just mmapped.
func (s *Server) registerMemory(_ unsafe.Pointer, _ uintptr) uint32 {
	return s.regKeySeq.Add(1)
}

func (s *Server) buildAdminServer() *http.Server {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Logger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET"},
	}))
	r.Use(s.inFlightMiddleware)

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", s.handleHealthz)

	return &http.Server{
		Addr:         s.cfg.Admin.ListenAddr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

func (s *Server) inFlightMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.inFlight.Add(1)
		defer s.inFlight.Add(-1)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.pool.GetRegionNum() == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no regions installed"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// InFlightCount implements shutdown.InFlightTracker.
func (s *Server) InFlightCount() int64 {
	return s.inFlight.Load()
}

// WaitForDrain implements shutdown.InFlightTracker: it polls until the
// in-flight count reaches zero or ctx is done.
func (s *Server) WaitForDrain(ctx context.Context) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		if s.inFlight.Load() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Start runs the admin HTTP server and the CM accept loop until ctx is
// canceled, then drives graceful shutdown through the coordinator.
func (s *Server) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", s.cfg.Admin.ListenAddr).Msg("starting admin HTTP server")
		if err := s.admin.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("admin server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		s.runAcceptLoop(ctx)
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("rdmapoold: shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		components := shutdown.Components{
			InFlightTracker: s,
			Listener:        s.cmConn,
			Pool:            s.pool,
		}
		if err := s.coord.Shutdown(shutdownCtx, components); err != nil {
			return err
		}
		if err := s.admin.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("error shutting down admin server")
		}
		return nil
	})

	return g.Wait()
}

// runAcceptLoop polls the CM listener for incoming connection requests
// and accepts each one immediately. It backs off briefly when the
// listener has nothing pending rather than busy-spinning.
func (s *Server) runAcceptLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		child, err := s.cmConn.GetRequest()
		if err != nil {
			time.Sleep(5 * time.Millisecond)
			continue
		}

		if err := child.Accept(nil); err != nil {
			log.Warn().Err(err).Msg("rdmapoold: failed to accept CM connection request")
			_ = child.Close()
			continue
		}
		log.Info().Msg("rdmapoold: accepted RDMA-CM connection")
	}
}

// Pool returns the server's block pool, primarily for tests and
// callers embedding this server in a larger process.
func (s *Server) Pool() *blockpool.Pool {
	return s.pool
}

// Coordinator returns the server's shutdown coordinator.
func (s *Server) Coordinator() *shutdown.Coordinator {
	return s.coord
}
