// Package tlsmgr is Citadel's TLS bootstrap and STARTTLS plumbing: a
// self-signed cert/key pair generated on first start, hot-reloaded when
// the files on disk change, and the server-side handshake protocol
// modules call after a successful STARTTLS negotiation.
//
// Grounded on util/devcert's self-signed-certificate-via-x509 shape,
// generalized from devcert's mkcert-rooted dev chain to the spec's own
// from-scratch self-signed bootstrap (RSA 2048, CN=*, ~3 year validity,
// no external CA), plus golang.org/x/crypto/acme/autocert wired in as
// an optional alternative certificate source per spec 11.
package tlsmgr

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/acme/autocert"

	"citadel.example/server/core"
)

const (
	certBits     = 2048
	certLifetime = 3 * 365 * 24 * time.Hour
)

// Manager holds the process-wide TLS material and watches keys/ for
// changes, per spec 4.9. Handshakes read the current config through an
// atomic pointer so a hot-reload never races a handshake in progress.
type Manager struct {
	KeysDir string
	Logf    core.Logf

	// AutocertManager, if set, supplies certificates via ACME instead of
	// the self-signed bootstrap pair, selected when the operator
	// configures c_tls_autocert_host.
	AutocertManager *autocert.Manager

	mu        sync.Mutex
	certPath  string
	keyPath   string
	certMTime time.Time
	keyMTime  time.Time
	configPtr atomic.Value // *tls.Config
}

// Open ensures keysDir exists, generates a self-signed cert/key pair if
// absent, and loads the current material.
func Open(keysDir string, logf core.Logf) (*Manager, error) {
	if logf == nil {
		logf = func(string, ...interface{}) {}
	}
	if err := os.MkdirAll(keysDir, 0700); err != nil {
		return nil, fmt.Errorf("tlsmgr: keys dir: %v", err)
	}
	m := &Manager{
		KeysDir:  keysDir,
		Logf:     logf,
		certPath: filepath.Join(keysDir, "citadel.cer"),
		keyPath:  filepath.Join(keysDir, "citadel.key"),
	}
	if _, err := os.Stat(m.certPath); os.IsNotExist(err) {
		if err := generateSelfSigned(m.certPath, m.keyPath); err != nil {
			return nil, err
		}
		logf("tlsmgr: generated self-signed cert/key in %s", keysDir)
	}
	if err := m.reload(); err != nil {
		return nil, err
	}
	return m, nil
}

// generateSelfSigned writes a new 2048-bit RSA key and a self-signed
// CN=* certificate valid for ~3 years, per spec 4.9.
func generateSelfSigned(certPath, keyPath string) error {
	priv, err := rsa.GenerateKey(rand.Reader, certBits)
	if err != nil {
		return fmt.Errorf("tlsmgr: generate key: %v", err)
	}

	serialLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, serialLimit)
	if err != nil {
		return fmt.Errorf("tlsmgr: serial: %v", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "*"},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(certLifetime),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		return fmt.Errorf("tlsmgr: create certificate: %v", err)
	}

	certOut, err := os.OpenFile(certPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer certOut.Close()
	if err := pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: der}); err != nil {
		return err
	}

	keyOut, err := os.OpenFile(keyPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer keyOut.Close()
	keyBytes := x509.MarshalPKCS1PrivateKey(priv)
	return pem.Encode(keyOut, &pem.Block{Type: "RSA PRIVATE KEY", Bytes: keyBytes})
}

// reload reads the current cert/key pair and atomically swaps the
// tls.Config in use, remembering the file mtimes so CheckReload can
// detect a later external replacement (e.g. a CA-signed cert dropped in
// by an operator). The previous *tls.Config is simply dropped; any
// tls.Conn already handshaked from it keeps working until it closes,
// since each tls.Conn holds the *tls.Config it was created with and a
// reload never modifies an existing Config — this is the "grace period"
// the spec describes.
func (m *Manager) reload() error {
	cert, err := tls.LoadX509KeyPair(m.certPath, m.keyPath)
	if err != nil {
		return fmt.Errorf("tlsmgr: load cert/key: %v", err)
	}
	certInfo, err := os.Stat(m.certPath)
	if err != nil {
		return err
	}
	keyInfo, err := os.Stat(m.keyPath)
	if err != nil {
		return err
	}

	cfg := &tls.Config{Certificates: []tls.Certificate{cert}}
	if m.AutocertManager != nil {
		cfg.GetCertificate = m.AutocertManager.GetCertificate
	}

	m.mu.Lock()
	m.certMTime = certInfo.ModTime()
	m.keyMTime = keyInfo.ModTime()
	m.mu.Unlock()
	m.configPtr.Store(cfg)
	return nil
}

// CheckReload compares the on-disk cert/key mtimes against the last
// loaded pair and, if either changed, atomically swaps in the new
// material. Called at the start of every STARTTLS handshake per spec 4.9.
func (m *Manager) CheckReload() error {
	certInfo, err := os.Stat(m.certPath)
	if err != nil {
		return err
	}
	keyInfo, err := os.Stat(m.keyPath)
	if err != nil {
		return err
	}
	m.mu.Lock()
	changed := !certInfo.ModTime().Equal(m.certMTime) || !keyInfo.ModTime().Equal(m.keyMTime)
	m.mu.Unlock()
	if !changed {
		return nil
	}
	if err := m.reload(); err != nil {
		return err
	}
	m.Logf("tlsmgr: cert/key changed on disk, reloaded")
	return nil
}

// Config returns the tls.Config currently in effect. Safe to call
// concurrently with CheckReload.
func (m *Manager) Config() *tls.Config {
	return m.configPtr.Load().(*tls.Config)
}

// CtdlStartTLS runs CheckReload and then performs the server-side TLS
// handshake over conn, per spec 4.9. On handshake failure the cleartext
// conn is left open and usable; the caller decides whether to continue
// unencrypted or disconnect.
func (m *Manager) CtdlStartTLS(conn net.Conn) (*tls.Conn, error) {
	if err := m.CheckReload(); err != nil {
		return nil, err
	}
	tc := tls.Server(conn, m.Config())
	if err := tc.Handshake(); err != nil {
		return nil, err
	}
	return tc, nil
}
