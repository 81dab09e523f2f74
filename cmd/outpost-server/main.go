package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/outpost-ops/outpost/internal/audit"
	"github.com/outpost-ops/outpost/internal/logging"
	serverapi "github.com/outpost-ops/outpost/internal/server/api"
	"github.com/outpost-ops/outpost/internal/server/artifact"
	"github.com/outpost-ops/outpost/internal/server/command"
	"github.com/outpost-ops/outpost/internal/server/hub"
	"github.com/outpost-ops/outpost/internal/server/security"
	"github.com/outpost-ops/outpost/internal/server/store"
	"github.com/outpost-ops/outpost/pkg/api"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "0.1.0"

var log = logging.L("main")

func main() {
	if err := run(); err != nil {
		log.Error("outpost-server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	if err := InitConfig(); err != nil {
		return err
	}

	log.Info("starting outpost server", "version", version)

	ctx := context.Background()

	if err := store.RunMigrations(config.Database.URL, config.Database.Schema); err != nil {
		return err
	}

	st, err := store.Connect(ctx, config.Database.URL, config.Database.Schema)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := bootstrapOperator(ctx, st); err != nil {
		return err
	}

	var auditLog *audit.Logger
	if config.Security.AuditLog != "" {
		auditLog, err = audit.NewLogger(config.Security.AuditLog,
			config.Security.AuditMaxSizeMB, config.Security.AuditMaxBackups)
		if err != nil {
			return fmt.Errorf("open audit log: %w", err)
		}
		defer auditLog.Close()
	}

	artifacts, local, err := buildArtifactStore(ctx)
	if err != nil {
		return err
	}

	gate := security.NewGate(security.NewRuleScanner(), nil, auditLog, security.Options{
		RatePerMinute: config.Security.RatePerMinute,
		Burst:         config.Security.Burst,
	})

	h := hub.New()

	exec := command.NewService(st, h, gate, nil, command.Options{
		DefaultTimeout: config.Commands.DefaultTimeout,
		WaitGrace:      config.Commands.WaitGrace,
		WaitPoll:       config.Commands.WaitPoll,
		OnlineWindow:   config.Beacons.OnlineWindow,
		ApprovalTTL:    config.Commands.ApprovalTTL,
	})

	sweepCtx, stopSweeper := context.WithCancel(ctx)
	defer stopSweeper()
	go exec.RunApprovalSweeper(sweepCtx, config.Commands.ApprovalSweep)

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(cors.New(cors.Config{
		AllowOrigins: corsOrigins(),
		AllowMethods: []string{"PUT", "PATCH", "GET", "POST", "DELETE"},
		AllowHeaders: []string{"Origin", "Content-Length", "Content-Type", "Authorization",
			api.HeaderAPIKey, serverapi.HeaderAdminKey},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	engine.Use(gin.Recovery())

	serverapi.SetupRoutes(engine, &serverapi.Services{
		Store:     st,
		Hub:       h,
		Executor:  exec,
		Artifacts: artifacts,
		Local:     local,
	}, serverapi.Options{
		PollInterval: config.Beacons.PollInterval,
		OnlineWindow: config.Beacons.OnlineWindow,
		PresignTTL:   config.Artifacts.PresignTTL,
		JWT: serverapi.JWTConfig{
			Secret: config.Auth.JWTSecret,
			TTL:    config.Auth.TokenTTL,
		},
		AdminKey: config.Auth.AdminKey,
	})

	httpServer := &http.Server{
		Addr:    config.Listen,
		Handler: engine,
	}

	errChan := make(chan error, 1)
	go func() {
		log.Info("http server listening", "address", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("http server: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	var serveErr error
	select {
	case serveErr = <-errChan:
	case sig := <-sigChan:
		log.Info("shutdown signal received", "signal", sig.String())
	}

	log.Info("shutting down")
	stopSweeper()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", "error", err)
	}
	h.Stop()

	log.Info("shutdown complete")
	return serveErr
}

// bootstrapOperator creates the first operator account on an empty
// database. Runs only when auth.bootstrap_email is configured and no
// operator exists yet.
func bootstrapOperator(ctx context.Context, st *store.Store) error {
	if config.Auth.BootstrapEmail == "" {
		return nil
	}
	n, err := st.CountOperators(ctx)
	if err != nil {
		return fmt.Errorf("count operators: %w", err)
	}
	if n > 0 {
		return nil
	}
	hash, err := serverapi.HashPassword(config.Auth.BootstrapPassword)
	if err != nil {
		return fmt.Errorf("hash bootstrap password: %w", err)
	}
	op, err := st.CreateOperator(ctx, serverapi.DefaultTenant, config.Auth.BootstrapEmail, hash)
	if err != nil {
		return fmt.Errorf("create bootstrap operator: %w", err)
	}
	log.Info("bootstrap operator created", "email", op.Email, "tenant", op.TenantID)
	return nil
}

// buildArtifactStore selects the configured backend. The local store is
// also returned concretely so the API can mount its download route.
func buildArtifactStore(ctx context.Context) (artifact.Store, *artifact.LocalStore, error) {
	switch config.Artifacts.Backend {
	case "s3":
		s3Store, err := artifact.NewS3(ctx, artifact.S3Options{
			Bucket:          config.Artifacts.S3.Bucket,
			Region:          config.Artifacts.S3.Region,
			Endpoint:        config.Artifacts.S3.Endpoint,
			AccessKeyID:     config.Artifacts.S3.AccessKeyID,
			SecretAccessKey: config.Artifacts.S3.SecretAccessKey,
			Prefix:          config.Artifacts.S3.Prefix,
			UsePathStyle:    config.Artifacts.S3.PathStyle,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("s3 artifact store: %w", err)
		}
		return s3Store, nil, nil
	default:
		local, err := artifact.NewLocal(config.Artifacts.Local.Dir,
			config.Artifacts.Local.BaseURL, []byte(config.Artifacts.Local.Secret))
		if err != nil {
			return nil, nil, fmt.Errorf("local artifact store: %w", err)
		}
		return local, local, nil
	}
}
