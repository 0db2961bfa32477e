// Package certauthority loads the administrator-provisioned MITM CA
// certificate and key and mints per-host leaf certificates signed by it
// on demand.
//
// Generating the CA material itself is out of scope; this package only
// consumes an already-generated cert+key pair from disk. Leaf
// certificates are minted per intercepted host rather than reusing the
// CA certificate itself as the server leaf, so each MITM session
// presents a SAN that actually matches its CONNECT target, the way a
// per-host cert.CertManager.GetCertificate(host) would.
package certauthority

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"
)

// Provider holds the CA certificate and key and mints leaf certificates
// for intercepted hosts, caching them in memory for the process
// lifetime.
type Provider struct {
	caCert *x509.Certificate
	caKey  *ecdsa.PrivateKey
	caTLS  tls.Certificate

	leafValidity time.Duration

	mu    sync.RWMutex
	cache map[string]*tls.Certificate
}

// Load reads the CA certificate and private key from the given PEM
// files. Both must be present and parseable; either failure is returned
// as an error for the caller to treat as a fatal startup condition.
func Load(certPath, keyPath string) (*Provider, error) {
	caTLS, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("certauthority: load CA key pair: %w", err)
	}

	caCert, err := x509.ParseCertificate(caTLS.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("certauthority: parse CA certificate: %w", err)
	}

	key, ok := caTLS.PrivateKey.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("certauthority: CA key must be ECDSA, got %T", caTLS.PrivateKey)
	}

	return &Provider{
		caCert:       caCert,
		caKey:        key,
		caTLS:        caTLS,
		leafValidity: 365 * 24 * time.Hour,
		cache:        make(map[string]*tls.Certificate),
	}, nil
}

// ServerConfig returns a *tls.Config suitable for terminating the
// client-facing side of a MITM session for host: it presents a leaf
// certificate signed by the CA, with host as its only Subject
// Alternative Name (an IP address SAN if host parses as an IP, a DNS
// name SAN otherwise), generated on first use and cached thereafter.
func (p *Provider) ServerConfig(host string) (*tls.Config, error) {
	leaf, err := p.leafFor(host)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates: []tls.Certificate{*leaf},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// leafFor returns the cached leaf certificate for host, minting and
// caching one if this is the first request for it.
func (p *Provider) leafFor(host string) (*tls.Certificate, error) {
	p.mu.RLock()
	leaf, ok := p.cache[host]
	p.mu.RUnlock()
	if ok {
		return leaf, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Re-check under the write lock in case another goroutine won the race.
	if leaf, ok := p.cache[host]; ok {
		return leaf, nil
	}

	leaf, err := p.mintLeaf(host)
	if err != nil {
		return nil, err
	}

	p.cache[host] = leaf
	return leaf, nil
}

// mintLeaf generates a fresh ECDSA key pair and an X.509 certificate for
// host, signed by the CA.
func (p *Provider) mintLeaf(host string) (*tls.Certificate, error) {
	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("certauthority: generate leaf key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("certauthority: generate serial: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   host,
			Organization: []string{"caching-edge-proxy MITM"},
		},
		NotBefore:             time.Now().Add(-1 * time.Hour),
		NotAfter:              time.Now().Add(p.leafValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	if ip := net.ParseIP(host); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{host}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, p.caCert, &leafKey.PublicKey, p.caKey)
	if err != nil {
		return nil, fmt.Errorf("certauthority: sign leaf for %s: %w", host, err)
	}

	return &tls.Certificate{
		Certificate: [][]byte{der, p.caCert.Raw},
		PrivateKey:  leafKey,
	}, nil
}
