// Package tls builds the server-side TLS configuration of the control API,
// generating a self-signed certificate on first use when asked to.
package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/loykin/hostvisor/internal/config"
)

const (
	tlsCaCrt = "tls_ca.crt"
	tlsCrt   = "tls.crt"
	tlsKey   = "tls.key"
)

// parseTLSVersion parses TLS version string and returns the corresponding constant
func parseTLSVersion(ver string) (uint16, error) {
	switch strings.ToLower(strings.TrimSpace(ver)) {
	case "", "default", "1.3", "tls1.3":
		return tls.VersionTLS13, nil
	case "1.2", "tls1.2":
		return tls.VersionTLS12, nil
	}
	return 0, fmt.Errorf("unsupported TLS version %q", ver)
}

// safeReadFile reads file content safely within base directory
func safeReadFile(baseDir, p string) ([]byte, error) {
	clean := filepath.Clean(p)
	if baseDir != "" {
		absBase, _ := filepath.Abs(baseDir)
		absFile, _ := filepath.Abs(clean)
		if !strings.HasPrefix(absFile, absBase+string(filepath.Separator)) && absFile != absBase {
			return nil, errors.New("file path outside of allowed directory")
		}
	}
	return os.ReadFile(clean)
}

// certificateLoader re-reads the pair on every handshake so a renewed
// certificate is picked up without a restart.
func certificateLoader(certFile, keyFile string) func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	baseDir := filepath.Dir(certFile)
	return func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
		certPEM, err := safeReadFile(baseDir, certFile)
		if err != nil {
			return nil, err
		}
		keyPEM, err := safeReadFile(filepath.Dir(keyFile), keyFile)
		if err != nil {
			return nil, err
		}
		cert, err := tls.X509KeyPair(certPEM, keyPEM)
		return &cert, err
	}
}

// Setup returns the TLS configuration for cfg, or nil when TLS is disabled.
// extraIPs are added to a generated certificate, typically the LAN address
// remote clients connect to.
func Setup(cfg config.TLSConfig, extraIPs ...string) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	minVer, err := parseTLSVersion(cfg.MinVersion)
	if err != nil {
		return nil, err
	}
	certPath, keyPath := cfg.CertFile, cfg.KeyFile
	if certPath == "" || keyPath == "" {
		if cfg.Dir == "" {
			return nil, errors.New("TLS enabled but no valid certificate configuration found")
		}
		certPath, keyPath = filepath.Join(cfg.Dir, tlsCrt), filepath.Join(cfg.Dir, tlsKey)
		if cfg.AutoGenerate && !certificatesExist(certPath, keyPath) {
			if err := generateCertificate(cfg, extraIPs); err != nil {
				return nil, fmt.Errorf("certificate generation failed: %w", err)
			}
		}
	}
	if !certificatesExist(certPath, keyPath) {
		return nil, fmt.Errorf("certificate %s or key %s not found", certPath, keyPath)
	}
	// #nosec G402 min version is configurable down to 1.2 only
	return &tls.Config{
		GetCertificate: certificateLoader(certPath, keyPath),
		MinVersion:     minVer,
	}, nil
}

// CACertPath is where a generated self-signed certificate is also written,
// for clients to trust.
func CACertPath(cfg config.TLSConfig) string {
	if cfg.Dir == "" {
		return ""
	}
	return filepath.Join(cfg.Dir, tlsCaCrt)
}

func certificatesExist(certPath, keyPath string) bool {
	_, certErr := os.Stat(certPath)
	_, keyErr := os.Stat(keyPath)
	return certErr == nil && keyErr == nil
}

func generateCertificate(cfg config.TLSConfig, extraIPs []string) error {
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}
	commonName := cfg.CommonName
	if commonName == "" {
		commonName = "localhost"
	}
	dnsNames := cfg.DNSNames
	if len(dnsNames) == 0 {
		dnsNames = []string{"localhost"}
	}
	ips := slices.Clone(cfg.IPAddresses)
	if len(ips) == 0 {
		ips = []string{"127.0.0.1"}
	}
	for _, ip := range extraIPs {
		if ip != "" && !slices.Contains(ips, ip) {
			ips = append(ips, ip)
		}
	}
	validDays := cfg.ValidDays
	if validDays <= 0 {
		validDays = 365
	}
	return GenerateSelfSignedCert(CertConfig{
		CommonName:   commonName,
		Organization: "hostvisor",
		DNSNames:     dnsNames,
		IPAddresses:  ips,
		NotAfter:     time.Now().AddDate(0, 0, validDays),
		CertPath:     filepath.Join(cfg.Dir, tlsCrt),
		KeyPath:      filepath.Join(cfg.Dir, tlsKey),
		CACertPath:   CACertPath(cfg),
	})
}
