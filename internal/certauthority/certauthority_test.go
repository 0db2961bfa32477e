package certauthority

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// generateTestCA writes a throwaway self-signed CA cert+key pair to two
// PEM files under dir and returns their paths.
func generateTestCA(t *testing.T, dir string) (certPath, keyPath string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate CA key: %s", err)
	}

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Test CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create CA certificate: %s", err)
	}

	certPath = filepath.Join(dir, "ca.pem")
	keyPath = filepath.Join(dir, "ca-key.pem")

	certOut, err := os.Create(certPath)
	if err != nil {
		t.Fatalf("create cert file: %s", err)
	}
	if err := pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: der}); err != nil {
		t.Fatalf("encode cert: %s", err)
	}
	certOut.Close()

	keyBytes, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %s", err)
	}

	keyOut, err := os.Create(keyPath)
	if err != nil {
		t.Fatalf("create key file: %s", err)
	}
	if err := pem.Encode(keyOut, &pem.Block{Type: "EC PRIVATE KEY", Bytes: keyBytes}); err != nil {
		t.Fatalf("encode key: %s", err)
	}
	keyOut.Close()

	return certPath, keyPath
}

func TestLoadAndMintLeaf(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := generateTestCA(t, dir)

	provider, err := Load(certPath, keyPath)
	if err != nil {
		t.Fatalf("Load failed: %s", err)
	}

	cfg, err := provider.ServerConfig("example.com")
	if err != nil {
		t.Fatalf("ServerConfig failed: %s", err)
	}

	if len(cfg.Certificates) != 1 {
		t.Fatalf("expected exactly one certificate, got %d", len(cfg.Certificates))
	}

	leaf, err := x509.ParseCertificate(cfg.Certificates[0].Certificate[0])
	if err != nil {
		t.Fatalf("parse leaf: %s", err)
	}

	if len(leaf.DNSNames) != 1 || leaf.DNSNames[0] != "example.com" {
		t.Errorf("DNSNames = %v, want [example.com]", leaf.DNSNames)
	}

	if err := leaf.CheckSignatureFrom(provider.caCert); err != nil {
		t.Errorf("leaf is not signed by the CA: %s", err)
	}
}

func TestLeafIsCachedPerHost(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := generateTestCA(t, dir)

	provider, err := Load(certPath, keyPath)
	if err != nil {
		t.Fatalf("Load failed: %s", err)
	}

	leaf1, err := provider.leafFor("example.com")
	if err != nil {
		t.Fatalf("leafFor failed: %s", err)
	}
	leaf2, err := provider.leafFor("example.com")
	if err != nil {
		t.Fatalf("leafFor failed: %s", err)
	}

	if leaf1 != leaf2 {
		t.Error("expected the second call for the same host to return the cached leaf")
	}

	leaf3, err := provider.leafFor("other.com")
	if err != nil {
		t.Fatalf("leafFor failed: %s", err)
	}
	if leaf3 == leaf1 {
		t.Error("expected a distinct leaf for a different host")
	}
}

func TestLoadRejectsMissingFiles(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(filepath.Join(dir, "missing.pem"), filepath.Join(dir, "missing-key.pem"))
	if err == nil {
		t.Fatal("expected an error for missing CA files")
	}
}
