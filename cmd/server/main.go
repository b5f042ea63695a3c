package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"

	"github.com/dasmlab/jsonrelay/pkg/config"
	"github.com/dasmlab/jsonrelay/pkg/server"
	"github.com/dasmlab/jsonrelay/pkg/service"
	"github.com/dasmlab/jsonrelay/pkg/translate"
)

func main() {
	overrides := config.BindFlags(flag.CommandLine)
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	cfg, err := config.Load(overrides.ConfigPath)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load config")
	}
	overrides.Apply(cfg)
	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}

	level, err := logrus.ParseLevel(cfg.Server.LogLevel)
	if err != nil {
		logger.WithError(err).Warn("Invalid log level, using info")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	logger.WithFields(logrus.Fields{
		"grpc_port": cfg.Server.GRPCPort,
		"http_port": cfg.Server.HTTPPort,
		"insecure":  cfg.Server.Insecure,
		"mt_engine": cfg.Engine.Type,
		"mt_url":    cfg.Engine.BaseURL,
		"strategy":  cfg.Pipeline.Strategy,
		"log_level": level.String(),
	}).Info("Starting jsonrelay server")

	translatorCfg := cfg.TranslatorConfig(logger)
	translator, err := translate.NewTranslator(translatorCfg)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create translator")
	}

	// Proxied routes share the default translator's rate limit and breaker.
	var factory service.TranslatorFactory
	if cfg.Engine.AllowRequestProxy {
		factory = translate.NewProxyRouter(translatorCfg, translator).Translator
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	logger.Info("Checking translator health...")
	if err := translator.CheckHealth(ctx); err != nil {
		logger.WithError(err).Warn("Translator health check failed, but continuing anyway")
		logger.Warn("Server will start, but translation requests may fail until translator is ready")
	} else {
		logger.Info("Translator health check passed")
	}
	cancel()

	translationService, err := service.NewTranslationService(translator, factory, cfg.PipelineOptions(), logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create translation service")
	}

	var jobQueue *service.JobQueue
	if cfg.Jobs.Enabled {
		jobQueue = service.NewJobQueue(logger)
		jobQueue.SetProcessor(service.NewJobProcessor(translationService.Run, cfg.Jobs.Timeout, cfg.Jobs.Parallelism, logger))
	}

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		logger.WithError(err).WithFields(logrus.Fields{
			"port": cfg.Server.GRPCPort,
		}).Fatal("Failed to listen on port")
	}

	var opts []grpc.ServerOption
	if !cfg.Server.Insecure {
		logger.Warn("TLS requested but no certificates are configured, using insecure mode")
	}
	opts = append(opts, grpc.Creds(insecure.NewCredentials()))

	// Clients ping every 30s; allow down to 15s to avoid "too many pings".
	opts = append(opts, grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
		MinTime:             15 * time.Second,
		PermitWithoutStream: true,
	}))
	opts = append(opts, grpc.KeepaliveParams(keepalive.ServerParameters{
		MaxConnectionIdle:     5 * time.Minute,
		MaxConnectionAge:      30 * time.Minute,
		MaxConnectionAgeGrace: 5 * time.Second,
		Time:                  30 * time.Second,
		Timeout:               10 * time.Second,
	}))
	opts = append(opts, grpc.ChainUnaryInterceptor(service.UnaryLoggingInterceptor(logger)))

	s := grpc.NewServer(opts...)

	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(s, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(service.ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)

	service.RegisterTranslationServer(s, service.NewGRPCServer(translationService, jobQueue, logger))

	// Enable reflection for grpcurl/debugging
	reflection.Register(s)

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	if jobQueue != nil {
		go func() {
			ticker := time.NewTicker(cfg.Jobs.CleanupInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					jobQueue.CleanupOldJobs(cfg.Jobs.Retention)
				case <-bgCtx.Done():
					return
				}
			}
		}()
		logger.WithFields(logrus.Fields{
			"cleanup_interval": cfg.Jobs.CleanupInterval.String(),
			"retention":        cfg.Jobs.Retention.String(),
		}).Info("Started job cleanup goroutine")
	}

	errChan := make(chan error, 2)
	go func() {
		logger.WithFields(logrus.Fields{
			"port": cfg.Server.GRPCPort,
		}).Info("gRPC server listening")
		if err := s.Serve(lis); err != nil {
			errChan <- fmt.Errorf("failed to serve: %w", err)
		}
	}()

	var httpServer *server.HTTPServer
	if cfg.Server.HTTPPort > 0 {
		httpServer = server.NewHTTPServer(translationService, jobQueue, logger, fmt.Sprintf(":%d", cfg.Server.HTTPPort))
		go func() {
			if err := httpServer.Start(); err != nil {
				errChan <- fmt.Errorf("http server: %w", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		logger.WithError(err).Fatal("Server error")
	case sig := <-sigChan:
		logger.WithFields(logrus.Fields{
			"signal": sig.String(),
		}).Info("Received signal, shutting down gracefully...")

		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)

		if httpServer != nil {
			if err := httpServer.Shutdown(ctx); err != nil {
				logger.WithError(err).Warn("HTTP server shutdown incomplete")
			}
		}

		stopped := make(chan struct{})
		go func() {
			s.GracefulStop()
			close(stopped)
		}()

		select {
		case <-stopped:
			logger.Info("Server stopped gracefully")
		case <-ctx.Done():
			logger.Warn("Graceful shutdown timeout, forcing stop...")
			s.Stop()
		}
	}
}
