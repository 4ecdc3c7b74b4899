package api

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// Short paths keep the socket under the sun_path limit.
func socketDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "clf-socket-")
	if err != nil {
		t.Fatalf("mkdtemp: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}

func bindRaw(t *testing.T, path string) net.Listener {
	t.Helper()
	l, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func expectErr(t *testing.T, err error, want string) {
	t.Helper()
	if err == nil || !strings.Contains(err.Error(), want) {
		t.Fatalf("expected error containing %q, got %v", want, err)
	}
}

func TestAssertSafeSocketModes(t *testing.T) {
	dir := socketDir(t)
	path := filepath.Join(dir, "orchestrator.sock")
	bindRaw(t, path)

	if err := os.Chmod(path, 0o666); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	err := AssertSafeSocket(path, true)
	expectErr(t, err, "world-accessible")
	if !errors.Is(err, ErrInsecureSocket) {
		t.Fatalf("expected ErrInsecureSocket, got %v", err)
	}

	_ = os.Chmod(path, 0o660)
	if err := AssertSafeSocket(path, true); err != nil {
		t.Fatalf("group-writable socket should pass when allowed: %v", err)
	}
	expectErr(t, AssertSafeSocket(path, false), "group-writable")

	_ = os.Chmod(path, 0o400)
	expectErr(t, AssertSafeSocket(path, false), "owner-rw")

	_ = os.Chmod(path, 0o600)
	if err := AssertSafeSocket(path, false); err != nil {
		t.Fatalf("0600 socket should pass: %v", err)
	}
}

func TestAssertSafeSocketDirectories(t *testing.T) {
	dir := socketDir(t)
	for name, mode := range map[string]os.FileMode{"world": 0o777, "group": 0o770} {
		sub := filepath.Join(dir, name)
		if err := os.Mkdir(sub, 0o700); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		path := filepath.Join(sub, "o.sock")
		bindRaw(t, path)
		_ = os.Chmod(path, 0o600)
		if err := os.Chmod(sub, mode); err != nil {
			t.Fatalf("chmod dir: %v", err)
		}
		expectErr(t, AssertSafeSocket(path, true), "writable by non-owner")
	}
}

func TestAssertSafeSocketPaths(t *testing.T) {
	expectErr(t, AssertSafeSocket("", false), "socketPath missing")
	expectErr(t, AssertSafeSocket("relative.sock", false), "must be absolute")

	dir := socketDir(t)
	notDir := filepath.Join(dir, "not-dir")
	if err := os.WriteFile(notDir, []byte("x"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	expectErr(t, AssertSafeSocket(filepath.Join(notDir, "sock"), false), "socket directory is not a directory")

	file := filepath.Join(dir, "file.sock")
	if err := os.WriteFile(file, []byte("x"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	expectErr(t, AssertSafeSocket(file, false), "not a unix socket")
}

func TestListenReplacesStaleSocketAndServes(t *testing.T) {
	t.Setenv("LISTEN_PID", "")
	dir := filepath.Join(socketDir(t), "run")
	path := filepath.Join(dir, "o.sock")

	// A leftover socket file from a previous run.
	if err := os.MkdirAll(dir, 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	stale, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	stale.(*net.UnixListener).SetUnlinkOnClose(false)
	_ = stale.Close()

	l, activated, err := Listen(path, false)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	if activated {
		t.Fatalf("unexpected socket activation")
	}
	info, err := os.Stat(path)
	if err != nil || info.Mode().Perm() != 0o600 {
		t.Fatalf("expected 0600 socket, got %v err=%v", info.Mode(), err)
	}

	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "ok")
	})}
	go func() { _ = srv.Serve(l) }()
	defer srv.Close()

	client := &http.Client{Transport: &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", path)
		},
	}}
	resp, err := client.Get("http://unix/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "ok" {
		t.Fatalf("unexpected body %q", body)
	}
}

func TestListenRefusesNonSocketFile(t *testing.T) {
	t.Setenv("LISTEN_PID", "")
	dir := socketDir(t)
	path := filepath.Join(dir, "o.sock")
	if err := os.WriteFile(path, []byte("data"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, _, err := Listen(path, false)
	expectErr(t, err, "not a unix socket")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("regular file must be left alone: %v", err)
	}
}
