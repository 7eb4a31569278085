package tlsmgr

import (
	"crypto/tls"
	"net"
	"os"
	"testing"
	"time"
)

func TestOpenGeneratesSelfSigned(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(m.certPath); err != nil {
		t.Fatalf("cert not written: %v", err)
	}
	if _, err := os.Stat(m.keyPath); err != nil {
		t.Fatalf("key not written: %v", err)
	}

	cfg := m.Config()
	if len(cfg.Certificates) != 1 {
		t.Fatalf("expected one certificate, got %d", len(cfg.Certificates))
	}
}

func TestCheckReloadPicksUpNewMaterial(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	first := m.Config()

	// Force a distinguishable mtime, then regenerate in place.
	time.Sleep(10 * time.Millisecond)
	if err := generateSelfSigned(m.certPath, m.keyPath); err != nil {
		t.Fatal(err)
	}
	if err := m.CheckReload(); err != nil {
		t.Fatal(err)
	}
	second := m.Config()
	if &first.Certificates[0] == &second.Certificates[0] {
		t.Fatal("expected CheckReload to swap in new certificate material")
	}
}

func TestCtdlStartTLSHandshake(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(dir, nil)
	if err != nil {
		t.Fatal(err)
	}

	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	done := make(chan error, 1)
	go func() {
		_, err := m.CtdlStartTLS(serverConn)
		done <- err
	}()

	clientErr := make(chan error, 1)
	go func() {
		c := tls.Client(clientConn, &tls.Config{InsecureSkipVerify: true})
		clientErr <- c.Handshake()
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("server handshake: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server handshake")
	}
	select {
	case err := <-clientErr:
		if err != nil {
			t.Fatalf("client handshake: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for client handshake")
	}
}
