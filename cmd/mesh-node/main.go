package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"agentmesh/config"
	"agentmesh/crypto"
	"agentmesh/ledger"
	"agentmesh/observability/logging"
	"agentmesh/storage"
)

const (
	rpcTokenEnv     = "MESH_NODE_TOKEN"
	operatorPassEnv = "MESH_NODE_PASS"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("MESH_ENV"))
	logger := logging.Setup("mesh-node", env)

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "ledger"))
	if err != nil {
		logger.Error("failed to open ledger database", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	operatorKey, err := crypto.LoadFromKeystore(cfg.OperatorKeystorePath, os.Getenv(operatorPassEnv))
	if err != nil {
		logger.Error("failed to load operator key", slog.Any("error", err))
		os.Exit(1)
	}
	operatorAddr := operatorKey.PubKey().Address()

	node := ledger.NewNode(ledger.NewState(db))
	node.SetEscrowDefaultExpiration(cfg.EscrowExpirationDays)
	rpc := ledger.NewRPCServer(node, os.Getenv(rpcTokenEnv))

	srv := &http.Server{
		Addr:              cfg.RPCAddress,
		Handler:           rpc,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("ledger node listening",
			slog.String("address", cfg.RPCAddress),
			slog.String("network", cfg.NetworkName),
			slog.String("operator", operatorAddr.String()),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("rpc server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown incomplete", slog.Any("error", err))
	}
	logger.Info("ledger node stopped")
}
