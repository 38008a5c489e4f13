package tlsutil

import (
	"crypto/tls"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestServerConfigCombinedAndSplitFiles(t *testing.T) {
	certPEM, keyPEM, err := SelfSigned("amid-test", []string{"localhost", "127.0.0.1"}, time.Hour)
	if err != nil {
		t.Fatalf("self signed: %v", err)
	}
	dir := t.TempDir()
	combined := filepath.Join(dir, "combined.pem")
	certOnly := filepath.Join(dir, "cert.pem")
	keyOnly := filepath.Join(dir, "key.pem")
	for path, data := range map[string][]byte{
		combined: append(append([]byte{}, keyPEM...), certPEM...),
		certOnly: certPEM,
		keyOnly:  keyPEM,
	} {
		if err := os.WriteFile(path, data, 0o600); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
	}

	cfg, err := ServerConfig(combined, "", "")
	if err != nil {
		t.Fatalf("combined: %v", err)
	}
	if len(cfg.Certificates) != 1 || cfg.CipherSuites != nil {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if _, err := ServerConfig(certOnly, keyOnly, "ECDHE_ECDSA_WITH_AES_128_GCM_SHA256:tls_ecdhe_ecdsa_with_aes_256_gcm_sha384"); err != nil {
		t.Fatalf("split: %v", err)
	}
	if _, err := ServerConfig(certOnly, "", ""); !errors.Is(err, ErrNoKey) {
		t.Fatalf("expected ErrNoKey, got %v", err)
	}
	if _, err := ServerConfig(keyOnly, "", ""); !errors.Is(err, ErrNoCertificate) {
		t.Fatalf("expected ErrNoCertificate, got %v", err)
	}
}

func TestCipherSuites(t *testing.T) {
	ids, err := CipherSuites("TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256, ecdhe_rsa_with_aes_256_gcm_sha384")
	if err != nil {
		t.Fatalf("cipher suites: %v", err)
	}
	if len(ids) != 2 || ids[0] != tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256 || ids[1] != tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384 {
		t.Fatalf("ids %v", ids)
	}
	if _, err := CipherSuites("RC4-MD5"); err == nil {
		t.Fatalf("expected unknown suite error")
	}
	if ids, err := CipherSuites(""); err != nil || ids != nil {
		t.Fatalf("empty list %v %v", ids, err)
	}
}
