// Package config resolves the kernel's runtime configuration from CLI
// flags and environment variable passthrough, giving flags priority over
// SPIN_* vars and SPIN_* vars priority over the LATTICE_* aliases.
package config

import (
	"flag"
	"fmt"
	"net"
	"os"
)

// defaultListenAddr is used when neither a flag nor an env var sets one.
const defaultListenAddr = "127.0.0.1:3000"

// Config holds the resolved listener and TLS configuration for the HTTP
// trigger's server.
type Config struct {
	ListenAddr string
	TLSCert    string
	TLSKey     string
	LogLevel   string
	Watch      bool
}

// Load parses args (excluding the program name) with the stdlib flag
// package and layers in environment variable passthrough for any flag
// left at its zero value: SPIN_* vars take precedence over LATTICE_*
// aliases, and an explicit flag always wins over both.
func Load(args []string) (*Config, error) {
	fs := flag.NewFlagSet("lattice", flag.ContinueOnError)
	listen := fs.String("listen", "", "HTTP listen address (default 127.0.0.1:3000)")
	tlsCert := fs.String("tls-cert", "", "PEM certificate path")
	tlsKey := fs.String("tls-key", "", "PKCS#8 private key path")
	logLevel := fs.String("log-level", "", "log level (debug, info, warn, error)")
	watch := fs.Bool("watch", false, "reload the application when its manifest or sources change")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := &Config{
		ListenAddr: firstNonEmpty(*listen, envOrAlias("SPIN_HTTP_LISTEN_ADDR", "LATTICE_HTTP_LISTEN_ADDR"), defaultListenAddr),
		TLSCert:    firstNonEmpty(*tlsCert, envOrAlias("SPIN_TLS_CERT", "LATTICE_TLS_CERT")),
		TLSKey:     firstNonEmpty(*tlsKey, envOrAlias("SPIN_TLS_KEY", "LATTICE_TLS_KEY")),
		LogLevel:   firstNonEmpty(*logLevel, envOrAlias("LATTICE_LOG_LEVEL", ""), "info"),
		Watch:      *watch,
	}

	cfg.ListenAddr = normalizeListenAddr(cfg.ListenAddr)

	if (cfg.TLSCert == "") != (cfg.TLSKey == "") {
		return nil, fmt.Errorf("config: --tls-cert and --tls-key must both be set or both be empty")
	}

	return cfg, nil
}

// normalizeListenAddr resolves a bare "localhost" host to "127.0.0.1",
// preferring IPv4 the way spec.md §6 requires for the default listener.
func normalizeListenAddr(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if host == "localhost" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}

func envOrAlias(primary, alias string) string {
	if v := os.Getenv(primary); v != "" {
		return v
	}
	if alias == "" {
		return ""
	}
	return os.Getenv(alias)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
