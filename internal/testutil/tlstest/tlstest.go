// Package tlstest issues throwaway certificates for relay TLS tests.
package tlstest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

var serial atomic.Int64

// Pair is a PEM certificate and key written to disk.
type Pair struct {
	CertFile string
	KeyFile  string
}

// Authority is a self-signed CA rooted in a test temp dir.
type Authority struct {
	dir    string
	cert   *x509.Certificate
	key    *ecdsa.PrivateKey
	caFile string
}

func NewAuthority(t testing.TB, name string) *Authority {
	t.Helper()
	dir := t.TempDir()
	key := newKey(t)
	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(serial.Add(1)),
		Subject:               pkix.Name{CommonName: name},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            1,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create ca cert: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse ca cert: %v", err)
	}
	caFile := filepath.Join(dir, fileBase(name)+".crt")
	writePEM(t, caFile, "CERTIFICATE", der, 0o644)
	return &Authority{dir: dir, cert: cert, key: key, caFile: caFile}
}

func (a *Authority) CAFile() string { return a.caFile }

func (a *Authority) Dir() string { return a.dir }

// IssueServer signs a server certificate for the given names and addresses.
func (a *Authority) IssueServer(t testing.TB, name string, dnsNames []string, ips []net.IP) Pair {
	t.Helper()
	return a.issue(t, name, x509.ExtKeyUsageServerAuth, dnsNames, ips)
}

func (a *Authority) IssueClient(t testing.TB, name string) Pair {
	t.Helper()
	return a.issue(t, name, x509.ExtKeyUsageClientAuth, nil, nil)
}

// Localhost signs a server certificate valid for localhost and loopback.
func (a *Authority) Localhost(t testing.TB) Pair {
	t.Helper()
	return a.IssueServer(t, "localhost", []string{"localhost"}, []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback})
}

func (a *Authority) issue(t testing.TB, name string, usage x509.ExtKeyUsage, dnsNames []string, ips []net.IP) Pair {
	t.Helper()
	key := newKey(t)
	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: big.NewInt(serial.Add(1)),
		Subject:      pkix.Name{CommonName: name},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{usage},
		DNSNames:     dnsNames,
		IPAddresses:  ips,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, a.cert, &key.PublicKey, a.key)
	if err != nil {
		t.Fatalf("create %s cert: %v", name, err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshal %s key: %v", name, err)
	}
	base := filepath.Join(a.dir, fileBase(name))
	p := Pair{CertFile: base + ".crt", KeyFile: base + ".key"}
	writePEM(t, p.CertFile, "CERTIFICATE", der, 0o644)
	writePEM(t, p.KeyFile, "EC PRIVATE KEY", keyDER, 0o600)
	return p
}

func newKey(t testing.TB) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func writePEM(t testing.TB, path, blockType string, der []byte, perm os.FileMode) {
	t.Helper()
	data := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	if err := os.WriteFile(path, data, perm); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func fileBase(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "cert"
	}
	return strings.NewReplacer("/", "_", ":", "_", " ", "_").Replace(s)
}
