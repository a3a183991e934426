package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config captures runtime configuration for the agent gateway service.
type Config struct {
	ListenAddress    string
	NodeURL          string
	NodeAuthToken    string
	DatabasePath     string
	DirectoryPath    string
	InteractionsPath string
	DataDir          string
	JWTSecret        string
	JWTIssuer        string
	JWTAudience      string
	TrustThreshold   float64
	RateLimitRPS     float64
	RateLimitBurst   int
	LogFile          string
	Environment      string
	OTLPEndpoint     string
	OTLPEnabled      bool
	ShutdownGrace    time.Duration
}

// LoadConfigFromEnv builds a configuration using environment variables. An
// empty AGENT_GATEWAY_NODE_URL selects the embedded in-process ledger backed
// by AGENT_GATEWAY_DATA_DIR.
func LoadConfigFromEnv() (Config, error) {
	cfg := Config{
		ListenAddress:    getenvDefault("AGENT_GATEWAY_LISTEN", ":8081"),
		NodeURL:          strings.TrimSpace(os.Getenv("AGENT_GATEWAY_NODE_URL")),
		NodeAuthToken:    os.Getenv("AGENT_GATEWAY_NODE_TOKEN"),
		DatabasePath:     getenvDefault("AGENT_GATEWAY_DB_PATH", "agent-gateway.db"),
		DirectoryPath:    getenvDefault("AGENT_GATEWAY_DIRECTORY_PATH", "agent-directory.db"),
		InteractionsPath: getenvDefault("AGENT_GATEWAY_INTERACTIONS_PATH", "agent-interactions.db"),
		DataDir:          getenvDefault("AGENT_GATEWAY_DATA_DIR", "./mesh-data"),
		JWTSecret:        os.Getenv("AGENT_GATEWAY_JWT_SECRET"),
		JWTIssuer:        getenvDefault("AGENT_GATEWAY_JWT_ISSUER", "agent-gateway"),
		JWTAudience:      getenvDefault("AGENT_GATEWAY_JWT_AUDIENCE", "agent-mesh"),
		TrustThreshold:   40,
		RateLimitRPS:     25,
		RateLimitBurst:   50,
		LogFile:          strings.TrimSpace(os.Getenv("AGENT_GATEWAY_LOG_FILE")),
		Environment:      getenvDefault("AGENT_GATEWAY_ENV", "dev"),
		OTLPEndpoint:     strings.TrimSpace(os.Getenv("AGENT_GATEWAY_OTLP_ENDPOINT")),
		ShutdownGrace:    10 * time.Second,
	}
	cfg.OTLPEnabled = cfg.OTLPEndpoint != ""

	if raw := strings.TrimSpace(os.Getenv("AGENT_GATEWAY_TRUST_THRESHOLD")); raw != "" {
		val, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return Config{}, fmt.Errorf("parse AGENT_GATEWAY_TRUST_THRESHOLD: %w", err)
		}
		if val < 0 || val > 100 {
			return Config{}, errors.New("AGENT_GATEWAY_TRUST_THRESHOLD must be in [0, 100]")
		}
		cfg.TrustThreshold = val
	}

	if raw := strings.TrimSpace(os.Getenv("AGENT_GATEWAY_RATE_RPS")); raw != "" {
		val, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return Config{}, fmt.Errorf("parse AGENT_GATEWAY_RATE_RPS: %w", err)
		}
		if val <= 0 {
			return Config{}, errors.New("AGENT_GATEWAY_RATE_RPS must be positive")
		}
		cfg.RateLimitRPS = val
	}

	if raw := strings.TrimSpace(os.Getenv("AGENT_GATEWAY_RATE_BURST")); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse AGENT_GATEWAY_RATE_BURST: %w", err)
		}
		if val <= 0 {
			return Config{}, errors.New("AGENT_GATEWAY_RATE_BURST must be positive")
		}
		cfg.RateLimitBurst = val
	}

	if raw := strings.TrimSpace(os.Getenv("AGENT_GATEWAY_SHUTDOWN_GRACE")); raw != "" {
		dur, err := time.ParseDuration(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse AGENT_GATEWAY_SHUTDOWN_GRACE: %w", err)
		}
		if dur <= 0 {
			return Config{}, errors.New("AGENT_GATEWAY_SHUTDOWN_GRACE must be positive")
		}
		cfg.ShutdownGrace = dur
	}

	if strings.TrimSpace(cfg.JWTSecret) == "" {
		return Config{}, errors.New("AGENT_GATEWAY_JWT_SECRET is required")
	}

	return cfg, nil
}

func getenvDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
