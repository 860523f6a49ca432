package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	nodeconfig "communityloans/config"
	"communityloans/core/events"
	"communityloans/native/loanpool"
	"communityloans/observability/logging"
	"communityloans/observability/metrics"
	telemetry "communityloans/observability/otel"
	"communityloans/services/loancontract"
	"communityloans/services/loanpool/journal"
	"communityloans/services/loanpool/middleware"
	"communityloans/services/loanpool/node"
	"communityloans/services/loanpool/server"
	"communityloans/services/loanpoold/config"
	"communityloans/storage"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/loanpoold/config.yaml", "path to loanpoold config")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	env := strings.TrimSpace(os.Getenv("CLP_ENV"))
	logger := logging.Setup("loanpoold", env, logging.Options{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})

	headers := cfg.Telemetry.Headers
	if raw := os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"); raw != "" {
		headers = telemetry.ParseHeaders(raw)
	}
	endpoint := cfg.Telemetry.Endpoint
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); value != "" {
		endpoint = value
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "loanpoold",
		Environment: env,
		Endpoint:    endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     headers,
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		log.Fatalf("init telemetry: %v", err)
	}
	defer func() {
		_ = shutdownTelemetry(context.Background())
	}()

	nodeCfg, err := nodeconfig.Load(cfg.NodeConfig)
	if err != nil {
		log.Fatalf("load node config: %v", err)
	}
	db, err := storage.NewLevelDB(filepath.Join(nodeCfg.DataDir, "state"))
	if err != nil {
		log.Fatalf("open state database: %v", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var sinks events.Fanout
	var eventLog server.EventLog
	if cfg.Journal.DSN != "" {
		sqlDB, err := journal.Open(cfg.Journal.Driver, cfg.Journal.DSN)
		if err != nil {
			log.Fatalf("open journal: %v", err)
		}
		j, err := journal.New(sqlDB, logger)
		if err != nil {
			log.Fatalf("init journal: %v", err)
		}
		sinks = append(sinks, j)
		eventLog = j
	}
	var hub *server.Hub
	if cfg.Stream.Enabled {
		hub = server.NewHub()
		sinks = append(sinks, hub)
	}

	var disbursement loanpool.Disbursement
	if nodeCfg.Contract.Mode == nodeconfig.ContractModeRPC {
		timeout := time.Duration(nodeCfg.Contract.TimeoutSeconds) * time.Second
		invoker, err := loancontract.DialRPC(ctx, nodeCfg.Contract.Endpoint, timeout)
		if err != nil {
			log.Fatalf("dial loan contract: %v", err)
		}
		defer invoker.Close()
		disbursement = invoker
	}

	n, err := node.New(node.Options{
		Config:       nodeCfg,
		DB:           db,
		Disbursement: disbursement,
		Sink:         sinks,
		Metrics:      metrics.LoanPool(),
		Logger:       logger,
	})
	if err != nil {
		log.Fatalf("start node: %v", err)
	}
	go n.RunSweeper(ctx, cfg.Sweep.Interval)

	limits := make(map[string]middleware.RateLimit, len(cfg.RateLimits))
	for key, limit := range cfg.RateLimits {
		limits[key] = middleware.RateLimit{RequestsPerMinute: limit.RequestsPerMinute, Burst: limit.Burst}
	}
	srv := server.New(n, eventLog, hub, server.Config{
		Auth: middleware.AuthConfig{
			Enabled:    cfg.Auth.Enabled,
			HMACSecret: cfg.Auth.HMACSecret,
			Issuer:     cfg.Auth.Issuer,
			Audience:   cfg.Auth.Audience,
			ScopeClaim: cfg.Auth.ScopeClaim,
			ClockSkew:  cfg.Auth.ClockSkew,
		},
		RateLimits:    limits,
		StreamOrigins: cfg.Stream.Origins,
		LogRequests:   cfg.Logging.LogRequests,
	}, logger)

	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		log.Fatalf("listen on %s: %v", cfg.ListenAddress, err)
	}
	if cfg.TLS.AllowInsecure {
		tcpAddr, _ := listener.Addr().(*net.TCPAddr)
		loopback := tcpAddr != nil && tcpAddr.IP != nil && tcpAddr.IP.IsLoopback()
		if !strings.EqualFold(env, "dev") && !loopback {
			log.Fatalf("plaintext loanpoold mode is restricted to loopback listeners or dev environment")
		}
	}
	httpServer := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if cfg.TLS.CertPath != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.CertPath, cfg.TLS.KeyPath)
		if err != nil {
			log.Fatalf("load tls keypair: %v", err)
		}
		httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12, Certificates: []tls.Certificate{cert}}
		listener = tls.NewListener(listener, httpServer.TLSConfig)
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("loanpoold listening",
			slog.String("address", cfg.ListenAddress),
			slog.String("pool_account", n.PoolAccount().String()))
		serverErr <- httpServer.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("forcing server stop", slog.Any("error", err))
			_ = httpServer.Close()
		}
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("serve http: %v", err)
		}
	}
}
