// Package certstore mints and caches the TLS identities the proxy presents
// while intercepting HTTPS connections: one self-signed root CA, loaded or
// generated once, and a per-authority leaf certificate cache minted on
// demand and signed by that root.
//
// Constants and CN/O values follow a conventional MITM proxy CA: a
// long-lived self-signed root and short-lived per-host leaves.
package certstore

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	caValidity       = 3650 * 24 * time.Hour
	leafValidity     = 365 * 24 * time.Hour
	leafNotBeforeAge = 60 * time.Second
	leafCacheTTL     = leafValidity / 2
	leafCacheCap     = 100
	caKeyBits        = 2048
	commonName       = "lynxProxy"
)

// Authority is a (host, port) pair, case-insensitive on host.
type Authority struct {
	Host string
	Port string
}

func (a Authority) String() string {
	if a.Port == "" {
		return a.Host
	}
	return net.JoinHostPort(a.Host, a.Port)
}

// ParseAuthority splits a "host:port" or bare host string into an Authority,
// lower-casing the host.
func ParseAuthority(s string) Authority {
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		host = s
		port = ""
	}
	return Authority{Host: normalizeHost(host), Port: port}
}

func normalizeHost(h string) string {
	b := []byte(h)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// RootCA is the proxy's single process-wide certificate authority.
// Immutable after Init; safe for concurrent readers.
type RootCA struct {
	Cert *x509.Certificate
	Key  *rsa.PrivateKey
	DER  []byte // raw certificate DER, reused when signing leaves
}

type cacheEntry struct {
	cfg      *tls.Config
	insertAt time.Time
}

// Store owns the RootCA and the leaf certificate cache. Construct with
// Init, then call ServerConfig per accepted CONNECT target.
type Store struct {
	ca *RootCA

	mu    sync.RWMutex
	cache map[Authority]cacheEntry
	order []Authority // insertion order, for LRU-by-age eviction

	group singleflight.Group
}

// Init loads the root CA from rootCertPath/rootKeyPath if both exist,
// otherwise generates a new 2048-bit RSA keypair and self-signed CA
// certificate and writes both files. Failure to parse an existing pair is
// fatal; the caller should treat it as a Config-kind error.
func Init(rootCertPath, rootKeyPath string) (*Store, error) {
	ca, err := loadOrCreateCA(rootCertPath, rootKeyPath)
	if err != nil {
		return nil, fmt.Errorf("initializing root CA: %w", err)
	}
	return &Store{
		ca:    ca,
		cache: make(map[Authority]cacheEntry),
	}, nil
}

func loadOrCreateCA(certPath, keyPath string) (*RootCA, error) {
	_, certErr := os.Stat(certPath)
	_, keyErr := os.Stat(keyPath)
	if certErr == nil && keyErr == nil {
		return loadCA(certPath, keyPath)
	}
	return generateCA(certPath, keyPath)
}

func loadCA(certPath, keyPath string) (*RootCA, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("reading root cert: %w", err)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("reading root key: %w", err)
	}
	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, fmt.Errorf("root cert %s is not valid PEM", certPath)
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing root cert: %w", err)
	}
	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, fmt.Errorf("root key %s is not valid PEM", keyPath)
	}
	key, err := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing root key: %w", err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("root key is not RSA")
	}
	return &RootCA{Cert: cert, Key: rsaKey, DER: certBlock.Bytes}, nil
}

func generateCA(certPath, keyPath string) (*RootCA, error) {
	key, err := rsa.GenerateKey(rand.Reader, caKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generating CA key: %w", err)
	}

	now := time.Now()
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generating CA serial: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   commonName,
			Organization: []string{commonName},
		},
		NotBefore:             now.Add(-caValidity),
		NotAfter:              now.Add(caValidity),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("self-signing CA certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parsing freshly signed CA certificate: %w", err)
	}

	if err := atomicWritePEM(certPath, "CERTIFICATE", der); err != nil {
		return nil, fmt.Errorf("writing root cert: %w", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshaling root key: %w", err)
	}
	if err := atomicWritePEM(keyPath, "PRIVATE KEY", keyDER); err != nil {
		return nil, fmt.Errorf("writing root key: %w", err)
	}

	return &RootCA{Cert: cert, Key: key, DER: der}, nil
}

func atomicWritePEM(path, blockType string, der []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if err := pem.Encode(f, &pem.Block{Type: blockType, Bytes: der}); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// CertPEM returns the root certificate encoded as PEM, for clients that
// want to install the CA without reading the file directly.
func (s *Store) CertPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: s.ca.DER})
}

// ServerConfig returns a tls.Config presenting a leaf certificate for
// authority, minting and caching it on first use. Concurrent callers for
// the same authority share one mint via singleflight; a mint failure is
// returned to every waiter and nothing is cached.
func (s *Store) ServerConfig(ctx context.Context, authority Authority) (*tls.Config, error) {
	s.mu.RLock()
	if entry, ok := s.cache[authority]; ok && time.Since(entry.insertAt) < leafCacheTTL {
		s.mu.RUnlock()
		return entry.cfg, nil
	}
	s.mu.RUnlock()

	key := authority.String()
	v, err, _ := s.group.Do(key, func() (any, error) {
		return s.mintAndCache(authority)
	})
	if err != nil {
		return nil, fmt.Errorf("minting leaf cert for %s: %w", authority, err)
	}
	return v.(*tls.Config), nil
}

func (s *Store) mintAndCache(authority Authority) (*tls.Config, error) {
	// Re-check under the singleflight key in case a previous caller just filled it.
	s.mu.RLock()
	if entry, ok := s.cache[authority]; ok && time.Since(entry.insertAt) < leafCacheTTL {
		s.mu.RUnlock()
		return entry.cfg, nil
	}
	s.mu.RUnlock()

	cfg, err := s.mintLeaf(authority)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.evictLocked()
	if _, exists := s.cache[authority]; !exists {
		s.order = append(s.order, authority)
	}
	s.cache[authority] = cacheEntry{cfg: cfg, insertAt: time.Now()}
	s.mu.Unlock()

	return cfg, nil
}

// evictLocked drops TTL-expired entries and, if still over capacity, the
// oldest-inserted entries. Caller must hold s.mu for writing.
func (s *Store) evictLocked() {
	now := time.Now()
	fresh := s.order[:0]
	for _, a := range s.order {
		entry, ok := s.cache[a]
		if !ok {
			continue
		}
		if now.Sub(entry.insertAt) >= leafCacheTTL {
			delete(s.cache, a)
			continue
		}
		fresh = append(fresh, a)
	}
	s.order = fresh

	for len(s.order) >= leafCacheCap {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.cache, oldest)
	}
}

func (s *Store) mintLeaf(authority Authority) (*tls.Config, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
	if err != nil {
		return nil, fmt.Errorf("generating leaf serial: %w", err)
	}

	key, err := rsa.GenerateKey(rand.Reader, caKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generating leaf key: %w", err)
	}

	notBefore := time.Now().Add(-leafNotBeforeAge)
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: authority.Host},
		NotBefore:    notBefore,
		NotAfter:     notBefore.Add(leafValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	if ip := net.ParseIP(authority.Host); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{authority.Host}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, s.ca.Cert, &key.PublicKey, s.ca.Key)
	if err != nil {
		return nil, fmt.Errorf("signing leaf certificate: %w", err)
	}

	cert := tls.Certificate{
		Certificate: [][]byte{der, s.ca.DER},
		PrivateKey:  key,
	}

	slog.Debug("minted leaf certificate", "authority", authority.String())

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{"h2", "http/1.1", "http/1.0"},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
