package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/cuemby/rpcguard/pkg/api"
	"github.com/cuemby/rpcguard/pkg/audit"
	"github.com/cuemby/rpcguard/pkg/config"
	"github.com/cuemby/rpcguard/pkg/log"
	"github.com/cuemby/rpcguard/pkg/metrics"
	"github.com/cuemby/rpcguard/pkg/pipeline"
	"github.com/cuemby/rpcguard/pkg/ratelimit"
	"github.com/cuemby/rpcguard/pkg/tracing"
	"github.com/cuemby/rpcguard/pkg/validate"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Components whose health gates readiness.
const (
	componentGRPC  = "grpc"
	componentAudit = "audit"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gRPC listener behind the middleware pipeline",
	Long: `Start the gRPC listener with the full pipeline installed as a unary
interceptor, and the admin HTTP server exposing health, metrics, rate limiter
state and retained traces.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		log.Init(log.Config{Level: log.ParseLevel(cfg.Log.Level), JSONOutput: cfg.Log.JSON})

		s, err := newServer(cfg)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return s.run(ctx)
	},
}

// server holds every long-lived component of a running process.
type server struct {
	cfg    *config.Config
	logger zerolog.Logger

	rec       *metrics.Recorder
	health    *metrics.HealthChecker
	collector *metrics.Collector
	limits    *ratelimit.Registry
	tracer    *tracing.Tracer
	exporter  *tracing.BatchExporter
	traceOut  io.Closer
	audit     *audit.Logger
	pipeline  *pipeline.Pipeline

	grpc       *grpc.Server
	grpcHealth *health.Server
	admin      *api.Server
}

func newServer(cfg *config.Config) (*server, error) {
	s := &server{
		cfg:    cfg,
		logger: log.WithComponent("serve"),
		rec:    metrics.NewRecorder(),
		health: metrics.NewHealthChecker(Version, componentGRPC, componentAudit),
	}

	grpcOpts := []grpc.ServerOption{}
	if tc := cfg.Server.TLS; tc.Enabled() {
		creds, err := pipeline.ServerCredentials(pipeline.TLSFiles{
			CertFile:     tc.CertFile,
			KeyFile:      tc.KeyFile,
			ClientCAFile: tc.ClientCAFile,
		}, s.rec, nil)
		if err != nil {
			return nil, err
		}
		grpcOpts = append(grpcOpts, grpc.Creds(creds))
	}

	s.limits = ratelimit.NewRegistry(cfg.RateLimit.Default, cfg.RateLimit.Endpoints)
	cfg.ApplyClientLimits(s.limits)

	if err := s.openTracer(); err != nil {
		return nil, err
	}
	if err := s.openAudit(); err != nil {
		s.closeTracer(context.Background())
		return nil, err
	}

	s.pipeline = pipeline.New(pipeline.Options{
		Metrics:   s.rec,
		Audit:     s.audit,
		Validator: validate.Default(),
		Limits:    s.limits,
		Tracer:    s.tracer,
		ReadOnly:  cfg.Server.ReadOnly,

		TrustPrincipalHeader: cfg.Server.TrustPrincipalHeader,
	})

	grpcOpts = append(grpcOpts, grpc.UnaryInterceptor(s.pipeline.UnaryServerInterceptor()))
	s.grpc = grpc.NewServer(grpcOpts...)
	s.grpcHealth = health.NewServer()
	healthpb.RegisterHealthServer(s.grpc, s.grpcHealth)

	s.admin = api.NewServer(api.Options{
		Health:  s.health,
		Metrics: s.rec,
		Limits:  s.limits,
		Tracer:  s.tracer,
		RPS:     cfg.Server.AdminRPS,
		Burst:   cfg.Server.AdminBurst,
	})
	s.collector = metrics.NewCollector(s.rec, s.limits, s.tracer, cfg.Server.MetricsInterval)
	return s, nil
}

func (s *server) openTracer() error {
	tc := s.cfg.Tracing
	opts := []tracing.Option{
		tracing.WithCacheRecorder(s.rec),
		tracing.WithMaxTraces(tc.MaxTraces),
	}

	var sink tracing.Sink
	switch tc.Exporter {
	case config.ExporterLog:
		sink = tracing.LogSink{Logger: log.WithComponent("traces")}
	case config.ExporterFile:
		if err := os.MkdirAll(filepath.Dir(tc.File), 0750); err != nil {
			return fmt.Errorf("failed to create trace directory: %w", err)
		}
		f, err := os.OpenFile(tc.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return fmt.Errorf("failed to open trace file: %w", err)
		}
		s.traceOut = f
		sink = &tracing.WriterSink{W: f}
	}
	if sink != nil {
		s.exporter = tracing.NewBatchExporter(sink, tc.BatchSize)
		opts = append(opts, tracing.WithProcessor(s.exporter))
	}

	s.tracer = tracing.NewTracer(tc.Service, opts...)
	return nil
}

func (s *server) openAudit() error {
	sink, err := s.cfg.Audit.Open(func(err error) {
		s.rec.RecordAuditDropped()
		s.health.Update(componentAudit, false, err.Error())
	})
	if err != nil {
		return fmt.Errorf("failed to open audit sink: %w", err)
	}

	head, err := audit.ChainHead(sink)
	if err != nil {
		_ = sink.Close()
		return fmt.Errorf("failed to read audit chain head: %w", err)
	}

	opts := []audit.Option{audit.WithRecorder(s.rec)}
	if signer := s.cfg.Audit.Signer(head); signer != nil {
		opts = append(opts, audit.WithSigner(signer))
	}
	s.audit = audit.NewLogger(sink, opts...)
	s.health.Update(componentAudit, true, s.cfg.Audit.Sink)
	return nil
}

// run serves until ctx is cancelled or a listener fails, then shuts down.
func (s *server) run(ctx context.Context) error {
	grpcLis, err := net.Listen("tcp", s.cfg.Server.GRPCAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Server.GRPCAddr, err)
	}
	adminLis, err := net.Listen("tcp", s.cfg.Server.AdminAddr)
	if err != nil {
		grpcLis.Close()
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Server.AdminAddr, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info().Str("addr", grpcLis.Addr().String()).Msg("gRPC listening")
		s.health.Update(componentGRPC, true, "")
		if err := s.grpc.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.health.Update(componentGRPC, false, err.Error())
			return fmt.Errorf("gRPC server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := s.admin.Serve(adminLis); err != nil {
			return fmt.Errorf("admin server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		s.collector.Start()
		<-gctx.Done()
		s.shutdown()
		return nil
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *server) shutdown() {
	s.logger.Info().Msg("Shutting down")
	s.grpcHealth.Shutdown()
	s.health.Update(componentGRPC, false, "shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	stopped := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		s.logger.Warn().Msg("Graceful stop timed out, closing connections")
		s.grpc.Stop()
	}

	if err := s.admin.Shutdown(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Admin server shutdown failed")
	}
	s.collector.Stop()
	s.closeTracer(ctx)
	if err := s.audit.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("Audit sink close failed")
	}
	s.logger.Info().Msg("Shutdown complete")
}

func (s *server) closeTracer(ctx context.Context) {
	if s.exporter != nil {
		if err := s.exporter.Shutdown(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("Trace exporter shutdown failed")
		}
	}
	if s.traceOut != nil {
		_ = s.traceOut.Close()
	}
}
