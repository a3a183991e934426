package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"agentmesh/audit"
	"agentmesh/directory"
	"agentmesh/identity"
	"agentmesh/interaction"
	"agentmesh/ledger"
	"agentmesh/observability/logging"
	"agentmesh/observability/otel"
	"agentmesh/storage"
	"agentmesh/trust"
)

func main() {
	cfg, err := LoadConfigFromEnv()
	if err != nil {
		logging.Setup("agent-gateway", "").Error("load config", "error", err)
		os.Exit(1)
	}

	logger := logging.SetupWithRotation("agent-gateway", cfg.Environment, cfg.LogFile)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.OTLPEnabled {
		shutdown, err := otel.Init(ctx, otel.Config{
			ServiceName: "agent-gateway",
			Environment: cfg.Environment,
			Endpoint:    cfg.OTLPEndpoint,
			Insecure:    true,
			Metrics:     true,
			Traces:      true,
		})
		if err != nil {
			logger.Error("init telemetry", "error", err)
			os.Exit(1)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				logger.Warn("telemetry shutdown", "error", err)
			}
		}()
	}

	auditStore, err := audit.NewStore(cfg.DatabasePath)
	if err != nil {
		logger.Error("open audit store", "error", err)
		os.Exit(1)
	}
	defer auditStore.Close()

	dir, err := directory.NewStore(cfg.DirectoryPath, nil)
	if err != nil {
		logger.Error("open directory", "error", err)
		os.Exit(1)
	}
	defer dir.Close()

	interactions, err := interaction.NewStore(cfg.InteractionsPath, nil)
	if err != nil {
		logger.Error("open interaction store", "error", err)
		os.Exit(1)
	}
	defer interactions.Close()

	emitter := audit.NewEmitter(auditStore, logger)

	gateway, closeGateway, err := buildGateway(cfg, emitter)
	if err != nil {
		logger.Error("build ledger gateway", "error", err)
		os.Exit(1)
	}
	defer closeGateway()

	resolver := identity.NewReconciler(dir, gateway)
	scores := trust.NewAggregator(gateway, dir, interactions)
	gate := interaction.NewGate(interactions, resolver, scores)
	gate.SetThreshold(cfg.TrustThreshold)
	gate.SetEmitter(emitter)

	auth := NewAuthenticator(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTAudience, logger)
	server := NewServer(gateway, dir, resolver, scores, gate, auditStore, auth, cfg, logger)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("agent gateway listening", "address", cfg.ListenAddress)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", "error", err)
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", "error", err)
			os.Exit(1)
		}
	}
}

// buildGateway selects between the remote JSON-RPC client and an embedded
// in-process ledger node.
func buildGateway(cfg Config, emitter *audit.Emitter) (ledger.Gateway, func(), error) {
	if cfg.NodeURL != "" {
		client := ledger.NewClient(cfg.NodeURL, cfg.NodeAuthToken, 15*time.Second)
		return client, func() {}, nil
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, nil, err
	}
	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "ledger"))
	if err != nil {
		return nil, nil, err
	}
	node := ledger.NewNode(ledger.NewState(db))
	node.SetEmitter(emitter)
	return node, func() { _ = db.Close() }, nil
}
