// Package tls configures HTTPS for the status API.
package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	tlsCaCrt = "tls_ca.crt"
	tlsCrt   = "tls.crt"
	tlsKey   = "tls.key"
)

// Config is the server.tls section.
// Explicit CertFile/KeyFile win over Dir. With Dir and AutoGenerate a
// self-signed pair is written there on first use.
type Config struct {
	Enabled      bool   `json:"enabled" mapstructure:"enabled"`
	CertFile     string `json:"cert_file,omitempty" mapstructure:"cert_file"`
	KeyFile      string `json:"key_file,omitempty" mapstructure:"key_file"`
	Dir          string `json:"dir,omitempty" mapstructure:"dir"`
	AutoGenerate bool   `json:"auto_generate,omitempty" mapstructure:"auto_generate"`
	MinVersion   string `json:"min_version,omitempty" mapstructure:"min_version"` // "1.2" or "1.3" (default)
	// Hosts are the DNS names and IPs put into a generated certificate.
	Hosts []string `json:"hosts,omitempty" mapstructure:"hosts"`
}

// CAFile is the certificate clients should trust for a generated pair.
// It is empty unless Dir is used.
func (c Config) CAFile() string {
	if c.Dir == "" || (c.CertFile != "" && c.KeyFile != "") {
		return ""
	}
	return filepath.Join(c.Dir, tlsCaCrt)
}

// parseTLSVersion parses TLS version string and returns the corresponding constant
func parseTLSVersion(ver string) (uint16, error) {
	switch strings.ToLower(strings.TrimSpace(ver)) {
	case "", "default", "1.3", "tls1.3":
		return tls.VersionTLS13, nil
	case "1.2", "tls1.2":
		return tls.VersionTLS12, nil
	default:
		return 0, fmt.Errorf("unsupported TLS version %q", ver)
	}
}

// Validate checks the section without touching the filesystem.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if _, err := parseTLSVersion(c.MinVersion); err != nil {
		return err
	}
	if (c.CertFile == "") != (c.KeyFile == "") {
		return errors.New("tls: cert_file and key_file must be set together")
	}
	if c.CertFile == "" && c.Dir == "" {
		return errors.New("tls: enabled but neither cert_file/key_file nor dir is set")
	}
	return nil
}

// Setup returns the server TLS configuration, or nil when TLS is disabled.
func Setup(c Config) (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	minVer, _ := parseTLSVersion(c.MinVersion)

	if c.CertFile != "" {
		return serverConfig(c.CertFile, c.KeyFile, minVer), nil
	}
	certPath := filepath.Join(c.Dir, tlsCrt)
	keyPath := filepath.Join(c.Dir, tlsKey)
	if !certificatesExist(certPath, keyPath) {
		if !c.AutoGenerate {
			return nil, fmt.Errorf("tls: no certificate in %s and auto_generate is off", c.Dir)
		}
		if err := os.MkdirAll(c.Dir, 0o700); err != nil {
			return nil, fmt.Errorf("create tls dir: %w", err)
		}
		hosts := c.Hosts
		if len(hosts) == 0 {
			hosts = []string{"localhost", "127.0.0.1"}
		}
		if err := GenerateSelfSignedCert(CertConfig{
			CommonName:   hosts[0],
			Organization: "cdathome",
			Hosts:        hosts,
			NotAfter:     time.Now().AddDate(5, 0, 0),
			CertPath:     certPath,
			KeyPath:      keyPath,
			CACertPath:   filepath.Join(c.Dir, tlsCaCrt),
		}); err != nil {
			return nil, fmt.Errorf("certificate generation failed: %w", err)
		}
	}
	return serverConfig(certPath, keyPath, minVer), nil
}

// serverConfig reloads the key pair on each handshake so renewed
// certificates are picked up without a restart.
func serverConfig(certPath, keyPath string, minVer uint16) *tls.Config {
	return &tls.Config{
		MinVersion: minVer,
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			cert, err := tls.LoadX509KeyPair(certPath, keyPath)
			if err != nil {
				return nil, err
			}
			return &cert, nil
		},
	}
}

func certificatesExist(certPath, keyPath string) bool {
	_, certErr := os.Stat(certPath)
	_, keyErr := os.Stat(keyPath)
	return certErr == nil && keyErr == nil
}
