package config_test

import (
	"testing"

	"github.com/latticerun/lattice/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"SPIN_HTTP_LISTEN_ADDR", "SPIN_TLS_CERT", "SPIN_TLS_KEY",
		"LATTICE_HTTP_LISTEN_ADDR", "LATTICE_TLS_CERT", "LATTICE_TLS_KEY", "LATTICE_LOG_LEVEL",
	} {
		t.Setenv(k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	cfg, err := config.Load(nil)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:3000", cfg.ListenAddr)
	assert.Empty(t, cfg.TLSCert)
	assert.Empty(t, cfg.TLSKey)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoad_FlagOverridesEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("SPIN_HTTP_LISTEN_ADDR", "0.0.0.0:9999")
	cfg, err := config.Load([]string{"--listen", "0.0.0.0:4000"})
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:4000", cfg.ListenAddr)
}

func TestLoad_SpinEnvTakesPrecedenceOverLatticeAlias(t *testing.T) {
	clearEnv(t)
	t.Setenv("SPIN_HTTP_LISTEN_ADDR", "0.0.0.0:8000")
	t.Setenv("LATTICE_HTTP_LISTEN_ADDR", "0.0.0.0:9000")
	cfg, err := config.Load(nil)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:8000", cfg.ListenAddr)
}

func TestLoad_LatticeAliasUsedWhenSpinAbsent(t *testing.T) {
	clearEnv(t)
	t.Setenv("LATTICE_HTTP_LISTEN_ADDR", "0.0.0.0:9000")
	cfg, err := config.Load(nil)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", cfg.ListenAddr)
}

func TestLoad_LocalhostResolvesToIPv4(t *testing.T) {
	clearEnv(t)
	cfg, err := config.Load([]string{"--listen", "localhost:3000"})
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:3000", cfg.ListenAddr)
}

func TestLoad_TLSBothOrNeither(t *testing.T) {
	clearEnv(t)
	_, err := config.Load([]string{"--tls-cert", "cert.pem"})
	assert.Error(t, err)
}

func TestLoad_TLSPairAccepted(t *testing.T) {
	clearEnv(t)
	cfg, err := config.Load([]string{"--tls-cert", "cert.pem", "--tls-key", "key.pem"})
	require.NoError(t, err)
	assert.Equal(t, "cert.pem", cfg.TLSCert)
	assert.Equal(t, "key.pem", cfg.TLSKey)
}
