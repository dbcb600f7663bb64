// Command gwserver is the gateway's main server process: it exposes the
// public HTTP surface and the internal gRPC admin surface, and runs
// every periodic job (ingest drain, status flush, scheduled-send gate,
// retry sweep, partition maintenance) on its own ticker. Settlement is
// not among them: it runs only when the admin TriggerSettlement RPC is
// called.
//
// Lifecycle:
//  1. Load configuration from the environment
//  2. Connect to Redis and Postgres
//  3. Wire the ledger, acceptor, dispatcher, and schedulers
//  4. Start the gRPC admin server and the HTTP server
//  5. Wait for SIGINT/SIGTERM
//  6. Drain and shut down gracefully
package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	grpc_middleware "github.com/grpc-ecosystem/go-grpc-middleware"
	grpc_recovery "github.com/grpc-ecosystem/go-grpc-middleware/recovery"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"

	"github.com/relaysms/gateway/internal/acceptor"
	"github.com/relaysms/gateway/internal/auth"
	"github.com/relaysms/gateway/internal/breaker"
	"github.com/relaysms/gateway/internal/config"
	"github.com/relaysms/gateway/internal/dispatcher"
	"github.com/relaysms/gateway/internal/durablestore"
	"github.com/relaysms/gateway/internal/hotstore"
	"github.com/relaysms/gateway/internal/httpapi"
	"github.com/relaysms/gateway/internal/ingest"
	"github.com/relaysms/gateway/internal/ledger"
	"github.com/relaysms/gateway/internal/model"
	"github.com/relaysms/gateway/internal/partition"
	"github.com/relaysms/gateway/internal/provider"
	"github.com/relaysms/gateway/internal/ratelimit"
	"github.com/relaysms/gateway/internal/rpcadmin"
	"github.com/relaysms/gateway/internal/scheduler"
	"github.com/relaysms/gateway/internal/statuswriteback"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		zerolog.New(os.Stdout).Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := setupLogger(cfg.LogLevel, cfg.Environment)
	logger.Info().Str("environment", cfg.Environment).Str("http_addr", cfg.HTTPAddr).
		Str("grpc_addr", cfg.GRPCAddr).Msg("starting gateway server")

	ctx := context.Background()

	hot, err := hotstore.New(ctx, hotstore.DefaultConfig(cfg.RedisAddr))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer hot.Close()
	logger.Info().Str("addr", cfg.RedisAddr).Msg("connected to redis")

	durable, err := durablestore.Open(cfg.PostgresURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer durable.Close()
	logger.Info().Msg("connected to postgres")

	ldgr := ledger.New(hot, durable, logger)
	authenticator := auth.New(hot, durable)
	limiter := ratelimit.New(hot)

	baseCost, err := model.ParseMoney(cfg.BaseSMSCost)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid BASE_SMS_COST")
	}
	acc := acceptor.New(hot, ldgr, logger, baseCost, cfg.ExpressCostMultiplier)

	smsBreaker := breaker.New(hot, "sms_provider", cfg.BreakerFailureThreshold, time.Duration(cfg.BreakerRecoverySeconds)*time.Second)
	prov := provider.NewStub(time.Now().UnixNano())

	dispatcherCfg := dispatcher.DefaultConfig()
	dispatcherCfg.MaxRetries = cfg.MaxRetries
	disp := dispatcher.New(hot, durable, prov, smsBreaker, logger, dispatcherCfg)
	disp.Start(ctx, dispatcherCfg)

	batcher := ingest.New(hot, durable, disp, logger, int64(cfg.IngestBatchSize))
	flusher := statuswriteback.New(hot, durable, logger, int64(cfg.StatusBatchSize))
	partMaintainer := partition.New(durable, logger)

	jobs := []scheduler.Job{
		{
			Name:     "ingest_drain",
			Interval: cfg.IngestInterval,
			Run:      batcher.Drain,
		},
		{
			Name:     "status_flush",
			Interval: cfg.StatusFlushInterval,
			Run:      flusher.Flush,
		},
		{
			Name:     "scheduled_gate",
			Interval: cfg.ScheduledGateInterval,
			Run:      func(ctx context.Context) (int, error) { return disp.ScheduledGate(ctx, 500) },
		},
		{
			Name:     "retry_sweep",
			Interval: dispatcher.DefaultRetrySweepInterval,
			Run:      func(ctx context.Context) (int, error) { return disp.RetrySweep(ctx, 500) },
		},
		{
			Name:     "partition_maintenance",
			Interval: cfg.PartitionCheckInterval,
			Run:      func(ctx context.Context) (int, error) { return 0, partMaintainer.Run(ctx) },
		},
	}
	sched := scheduler.New(hot, logger, jobs)
	sched.Start(ctx)
	logger.Info().Int("jobs", len(jobs)).Msg("scheduler started")

	grpcServer := createGRPCServer(logger)
	rpcadmin.Register(grpcServer, rpcadmin.NewServer(ldgr))

	go func() {
		listener, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create grpc listener")
		}
		logger.Info().Str("addr", cfg.GRPCAddr).Msg("grpc admin server listening")
		if err := grpcServer.Serve(listener); err != nil {
			logger.Fatal().Err(err).Msg("grpc server failed")
		}
	}()

	handler := httpapi.New(acc, ldgr, durable, authenticator, limiter, logger)
	httpServer := createHTTPServer(cfg.HTTPAddr, handler, logger)
	go func() {
		logger.Info().Str("addr", cfg.HTTPAddr).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info().Str("signal", sig.String()).Msg("shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	grpcServer.GracefulStop()
	logger.Info().Msg("grpc server stopped")

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http server shutdown failed")
	}
	logger.Info().Msg("http server stopped")
	logger.Info().Msg("shutdown complete")
}

func setupLogger(levelStr, environment string) zerolog.Logger {
	level, err := zerolog.ParseLevel(levelStr)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	if environment == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			Level(level).With().Timestamp().Caller().Logger()
	}
	return zerolog.New(os.Stdout).Level(level).With().
		Timestamp().Str("service", "sms-gateway").Str("environment", environment).Logger()
}

func createGRPCServer(logger zerolog.Logger) *grpc.Server {
	recoveryOpts := []grpc_recovery.Option{
		grpc_recovery.WithRecoveryHandler(func(p interface{}) error {
			logger.Error().Interface("panic", p).Msg("recovered from panic in grpc handler")
			return status.Errorf(codes.Internal, "internal server error")
		}),
	}

	loggingInterceptor := func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Info().Str("method", info.FullMethod).Dur("duration_ms", time.Since(start)).Err(err).Msg("grpc request completed")
		return resp, err
	}

	return grpc.NewServer(
		grpc.UnaryInterceptor(grpc_middleware.ChainUnaryServer(
			grpc_recovery.UnaryServerInterceptor(recoveryOpts...),
			loggingInterceptor,
		)),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle:     15 * time.Minute,
			MaxConnectionAge:      30 * time.Minute,
			MaxConnectionAgeGrace: 5 * time.Minute,
			Time:                  5 * time.Minute,
			Timeout:               1 * time.Minute,
		}),
		grpc.MaxRecvMsgSize(4*1024*1024),
		grpc.MaxSendMsgSize(4*1024*1024),
	)
}

func createHTTPServer(addr string, handler *httpapi.Handler, logger zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	var h http.Handler = mux
	h = httpapi.LoggingMiddleware(logger)(h)
	h = httpapi.CORS(h)

	return &http.Server{
		Addr:         addr,
		Handler:      h,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}
