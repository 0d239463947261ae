package deploy

import (
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/crypto/ssh"
)

func testHostKey(t *testing.T) ssh.PublicKey {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	key, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatalf("wrapping key: %v", err)
	}
	return key
}

func TestRenderUnit(t *testing.T) {
	unit, err := renderUnit(defaultRemotePath)
	if err != nil {
		t.Fatalf("render failed: %v", err)
	}

	text := string(unit)
	if !strings.Contains(text, "ExecStart=/usr/local/bin/lablink agent --config /etc/lablink/lablink.toml") {
		t.Errorf("unit missing exec line:\n%s", text)
	}
	if !strings.Contains(text, "WantedBy=multi-user.target") {
		t.Errorf("unit missing install section:\n%s", text)
	}
}

func TestHostKeyCallback_TrustsFirstUse(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ssh", "known_hosts")
	addr := &net.TCPAddr{IP: net.IPv4(192, 168, 1, 50), Port: 22}
	key := testHostKey(t)

	callback, err := hostKeyCallback(path)
	if err != nil {
		t.Fatalf("callback setup failed: %v", err)
	}

	// First contact records the key.
	if err := callback("192.168.1.50:22", addr, key); err != nil {
		t.Fatalf("first use rejected: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("known_hosts not written: %v", err)
	}
	if !strings.Contains(string(data), "192.168.1.50") {
		t.Errorf("known_hosts missing host entry:\n%s", data)
	}
}

func TestHostKeyCallback_RejectsChangedKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "known_hosts")
	addr := &net.TCPAddr{IP: net.IPv4(192, 168, 1, 50), Port: 22}

	callback, err := hostKeyCallback(path)
	if err != nil {
		t.Fatalf("callback setup failed: %v", err)
	}
	if err := callback("192.168.1.50:22", addr, testHostKey(t)); err != nil {
		t.Fatalf("first use rejected: %v", err)
	}

	// Reload so the recorded key is checked strictly, then present a
	// different one.
	callback, err = hostKeyCallback(path)
	if err != nil {
		t.Fatalf("callback reload failed: %v", err)
	}
	if err := callback("192.168.1.50:22", addr, testHostKey(t)); err == nil {
		t.Error("changed host key accepted")
	}
}

func TestHostKeyCallback_NewHostAfterReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "known_hosts")

	callback, err := hostKeyCallback(path)
	if err != nil {
		t.Fatalf("callback setup failed: %v", err)
	}
	firstAddr := &net.TCPAddr{IP: net.IPv4(192, 168, 1, 50), Port: 22}
	if err := callback("192.168.1.50:22", firstAddr, testHostKey(t)); err != nil {
		t.Fatalf("first use rejected: %v", err)
	}

	// A host the file has never seen is still trusted on first use.
	callback, err = hostKeyCallback(path)
	if err != nil {
		t.Fatalf("callback reload failed: %v", err)
	}
	secondAddr := &net.TCPAddr{IP: net.IPv4(192, 168, 1, 51), Port: 22}
	if err := callback("192.168.1.51:22", secondAddr, testHostKey(t)); err != nil {
		t.Fatalf("new host rejected: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading known_hosts: %v", err)
	}
	if !strings.Contains(string(data), "192.168.1.51") {
		t.Errorf("second host not recorded:\n%s", data)
	}
}

func TestHostKeyCallback_EmptyPathAcceptsAnything(t *testing.T) {
	callback, err := hostKeyCallback("")
	if err != nil {
		t.Fatalf("callback setup failed: %v", err)
	}
	addr := &net.TCPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 22}
	if err := callback("10.0.0.1:22", addr, testHostKey(t)); err != nil {
		t.Errorf("insecure mode rejected a key: %v", err)
	}
}
