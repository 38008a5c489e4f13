// Package tlsutil builds the TLS listener configuration for the manager's
// sslenable/sslcert/sslprivatekey/sslcipher settings.
package tlsutil

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrNoCertificate reports a certificate file without a leaf certificate.
var ErrNoCertificate = errors.New("tlsutil: no certificate found")

// ErrNoKey reports that no private key matches the leaf certificate.
var ErrNoKey = errors.New("tlsutil: no matching private key")

// ServerConfig loads certFile and keyFile and returns a server TLS config.
// keyFile may be empty when certFile carries the key as well. ciphers is a
// colon, comma or space separated list of cipher suite names; empty keeps
// the Go defaults.
func ServerConfig(certFile, keyFile, ciphers string) (*tls.Config, error) {
	if strings.TrimSpace(certFile) == "" {
		return nil, errors.New("tlsutil: certificate file required")
	}
	data, err := os.ReadFile(certFile)
	if err != nil {
		return nil, fmt.Errorf("tlsutil: read certificate: %w", err)
	}
	if keyFile != "" && keyFile != certFile {
		keyData, err := os.ReadFile(keyFile)
		if err != nil {
			return nil, fmt.Errorf("tlsutil: read private key: %w", err)
		}
		data = append(append(data, '\n'), keyData...)
	}
	cert, err := KeyPair(data)
	if err != nil {
		return nil, err
	}
	suites, err := CipherSuites(ciphers)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
		CipherSuites: suites,
	}, nil
}

// KeyPair extracts the first leaf certificate, its chain and the private key
// matching it from a PEM blob.
func KeyPair(data []byte) (tls.Certificate, error) {
	var (
		certPEM []byte
		leaf    *x509.Certificate
		keys    [][]byte
		signers []crypto.Signer
	)
	for rest := data; ; {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		switch block.Type {
		case "CERTIFICATE":
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return tls.Certificate{}, fmt.Errorf("tlsutil: parse certificate: %w", err)
			}
			if leaf == nil && !cert.IsCA {
				leaf = cert
				certPEM = append(pem.EncodeToMemory(block), certPEM...)
				continue
			}
			certPEM = append(certPEM, pem.EncodeToMemory(block)...)
		case "PRIVATE KEY", "RSA PRIVATE KEY", "EC PRIVATE KEY":
			signer, err := parsePrivateKey(block)
			if err != nil {
				return tls.Certificate{}, fmt.Errorf("tlsutil: parse private key: %w", err)
			}
			keys = append(keys, pem.EncodeToMemory(block))
			signers = append(signers, signer)
		}
	}
	if leaf == nil {
		return tls.Certificate{}, ErrNoCertificate
	}
	for i, signer := range signers {
		if publicKeysEqual(leaf.PublicKey, signer.Public()) {
			return tls.X509KeyPair(certPEM, keys[i])
		}
	}
	return tls.Certificate{}, ErrNoKey
}

// CipherSuites resolves suite names. IANA names are accepted with or
// without the TLS_ prefix, case-insensitively.
func CipherSuites(list string) ([]uint16, error) {
	fields := strings.FieldsFunc(list, func(r rune) bool {
		return r == ':' || r == ',' || r == ' ' || r == '\t'
	})
	if len(fields) == 0 {
		return nil, nil
	}
	known := make(map[string]uint16)
	for _, s := range append(tls.CipherSuites(), tls.InsecureCipherSuites()...) {
		known[s.Name] = s.ID
		known[strings.TrimPrefix(s.Name, "TLS_")] = s.ID
	}
	out := make([]uint16, 0, len(fields))
	for _, name := range fields {
		id, ok := known[strings.ToUpper(name)]
		if !ok {
			return nil, fmt.Errorf("tlsutil: unknown cipher suite %q", name)
		}
		out = append(out, id)
	}
	return out, nil
}

func parsePrivateKey(block *pem.Block) (crypto.Signer, error) {
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		if k, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
			return k, nil
		}
		if k, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
			return k, nil
		}
		return nil, err
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("unsupported private key type %T", key)
	}
	return signer, nil
}

func publicKeysEqual(a, b crypto.PublicKey) bool {
	switch ak := a.(type) {
	case ed25519.PublicKey:
		bk, ok := b.(ed25519.PublicKey)
		return ok && bytes.Equal(ak, bk)
	case *rsa.PublicKey:
		bk, ok := b.(*rsa.PublicKey)
		return ok && ak.Equal(bk)
	case *ecdsa.PublicKey:
		bk, ok := b.(*ecdsa.PublicKey)
		return ok && ak.Equal(bk)
	default:
		return false
	}
}
