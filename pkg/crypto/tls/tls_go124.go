//go:build go1.24

package tls

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
)

// HybridPQCConfig returns a TLS config with post-quantum key exchange enabled.
// Uses X25519MLKEM768 (X25519 + ML-KEM-768 hybrid) per RFC 9180 and NIST SP 800-227.
// This provides quantum-resistant key exchange while maintaining classical security.
//
// Supported in Go 1.24+. Client and server must both support the hybrid curve.
func HybridPQCConfig() *tls.Config {
	return &tls.Config{
		// Minimum TLS 1.3 required for hybrid key exchange
		MinVersion: tls.VersionTLS13,

		// Prefer hybrid post-quantum curves for key exchange
		// X25519MLKEM768 combines X25519 (classical) with ML-KEM-768 (PQ)
		CurvePreferences: []tls.CurveID{
			tls.X25519MLKEM768, // Hybrid: X25519 + ML-KEM-768 (Go 1.24+)
			tls.X25519,         // Fallback to classical X25519
		},

		// Prefer PQ-safe cipher suites
		// TLS 1.3 suites with AES-256-GCM or ChaCha20-Poly1305
		CipherSuites: nil, // Use TLS 1.3 defaults (automatic AEAD selection)
	}
}

// ServerConfig returns a production-ready TLS server config with PQC.
// Session tickets are disabled for forward secrecy; no OCSP response is stapled.
//
// keyFile is expected in PKCS#8 form (the format component builds and the
// CLI's --tls-key flag ask for); PKCS#1 and SEC1 keys are accepted as a
// fallback so a cert/key pair produced by older tooling still loads.
func ServerConfig(certFile, keyFile string) (*tls.Config, error) {
	cert, err := loadKeyPair(certFile, keyFile)
	if err != nil {
		return nil, err
	}

	config := HybridPQCConfig()
	config.Certificates = []tls.Certificate{cert}

	// Disable session tickets for perfect forward secrecy
	config.SessionTicketsDisabled = true

	// Serve every client handshake from this same config
	config.GetConfigForClient = func(info *tls.ClientHelloInfo) (*tls.Config, error) {
		return config, nil
	}

	return config, nil
}

// loadKeyPair reads a PEM certificate chain and a PEM private key, parsing
// the key as PKCS#8 first and falling back to PKCS#1 (RSA) and SEC1 (EC)
// so any of the common `openssl`/`pkcs8` output forms works unmodified.
func loadKeyPair(certFile, keyFile string) (tls.Certificate, error) {
	certPEM, err := os.ReadFile(certFile)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("reading cert file: %w", err)
	}
	keyPEM, err := os.ReadFile(keyFile)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("reading key file: %w", err)
	}

	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return tls.Certificate{}, fmt.Errorf("no PEM block found in %s", keyFile)
	}

	key, err := parsePrivateKey(block.Bytes)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("parsing private key %s: %w", keyFile, err)
	}

	normalized, err := marshalPKCS8(key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("normalizing private key: %w", err)
	}
	normalizedPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: normalized})

	return tls.X509KeyPair(certPEM, normalizedPEM)
}

func parsePrivateKey(der []byte) (interface{}, error) {
	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(der); err == nil {
		return key, nil
	}
	return nil, fmt.Errorf("unrecognized private key encoding (tried PKCS#8, PKCS#1, SEC1)")
}

func marshalPKCS8(key interface{}) ([]byte, error) {
	switch key.(type) {
	case *rsa.PrivateKey, *ecdsa.PrivateKey, ed25519.PrivateKey:
		return x509.MarshalPKCS8PrivateKey(key)
	default:
		return nil, fmt.Errorf("unsupported private key type %T", key)
	}
}

// ClientConfig returns a TLS client config with PQC enabled.
// Verifies server certificates and prefers hybrid key exchange.
func ClientConfig(serverName string) *tls.Config {
	config := HybridPQCConfig()
	config.ServerName = serverName
	return config
}

// InsecureClientConfig returns a TLS client config for testing only.
// WARNING: Disables certificate verification. Never use in production.
func InsecureClientConfig() *tls.Config {
	config := HybridPQCConfig()
	config.InsecureSkipVerify = true
	return config
}

// IsHybridPQCSupported checks if the runtime supports X25519MLKEM768.
// Returns true for Go 1.24+.
func IsHybridPQCSupported() bool {
	// X25519MLKEM768 constant exists only in Go 1.24+
	// If this compiles, hybrid PQC is supported
	return tls.X25519MLKEM768 != 0
}
