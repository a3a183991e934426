package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"agentmesh/crypto"
)

func TestLoadCreatesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.RPCAddress)
	require.Equal(t, "mesh-local", cfg.NetworkName)
	require.Equal(t, 30, cfg.EscrowExpirationDays)

	// The default keystore is created alongside the config and decrypts
	// with an empty passphrase.
	require.FileExists(t, cfg.OperatorKeystorePath)
	key, err := crypto.LoadFromKeystore(cfg.OperatorKeystorePath, "")
	require.NoError(t, err)
	require.False(t, key.PubKey().Address().IsZero())

	// A second load reuses the persisted file.
	reloaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg.OperatorKeystorePath, reloaded.OperatorKeystorePath)
}

func TestLoadFillsMissingFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("RPCAddress = \":9090\"\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.RPCAddress)
	require.Equal(t, "mesh-local", cfg.NetworkName)
	require.Equal(t, 30, cfg.EscrowExpirationDays)
	require.FileExists(t, cfg.OperatorKeystorePath)
}
