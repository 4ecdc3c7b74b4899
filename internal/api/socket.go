package api

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/sys/unix"
)

// ErrInsecureSocket wraps every socket safety violation.
var ErrInsecureSocket = errors.New("insecure unix socket")

const listenFDsStart = 3

// Listen returns the socket handed over by systemd socket activation when
// present, otherwise binds path after checking its directory and verifies
// the resulting socket file.
func Listen(path string, allowGroupWrite bool) (net.Listener, bool, error) {
	if l, ok, err := activatedListener(); ok || err != nil {
		return l, ok, err
	}
	if path == "" {
		return nil, false, errors.New("socketPath missing")
	}
	if !filepath.IsAbs(path) {
		return nil, false, fmt.Errorf("socketPath must be absolute: %s", path)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, false, fmt.Errorf("create socket directory: %w", err)
	}
	if err := checkSocketDir(dir); err != nil {
		return nil, false, err
	}
	if err := removeStaleSocket(path); err != nil {
		return nil, false, err
	}

	mode := os.FileMode(0o600)
	mask := 0o177
	if allowGroupWrite {
		mode, mask = 0o660, 0o117
	}
	old := unix.Umask(mask)
	l, err := net.Listen("unix", path)
	unix.Umask(old)
	if err != nil {
		return nil, false, fmt.Errorf("listen %s: %w", path, err)
	}
	if err := os.Chmod(path, mode); err != nil {
		_ = l.Close()
		return nil, false, fmt.Errorf("chmod socket: %w", err)
	}
	if err := AssertSafeSocket(path, allowGroupWrite); err != nil {
		_ = l.Close()
		return nil, false, err
	}
	return l, false, nil
}

// activatedListener adopts fd 3 when LISTEN_PID names this process.
func activatedListener() (net.Listener, bool, error) {
	pid, err := strconv.Atoi(os.Getenv("LISTEN_PID"))
	if err != nil || pid != os.Getpid() {
		return nil, false, nil
	}
	fds, err := strconv.Atoi(os.Getenv("LISTEN_FDS"))
	if err != nil || fds <= 0 {
		return nil, false, nil
	}
	_ = os.Unsetenv("LISTEN_PID")
	_ = os.Unsetenv("LISTEN_FDS")
	_ = os.Unsetenv("LISTEN_FDNAMES")
	unix.CloseOnExec(listenFDsStart)
	f := os.NewFile(uintptr(listenFDsStart), "systemd-socket")
	defer f.Close()
	l, err := net.FileListener(f)
	if err != nil {
		return nil, true, fmt.Errorf("adopt activated socket: %w", err)
	}
	return l, true, nil
}

func removeStaleSocket(path string) error {
	info, err := os.Lstat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat socket path: %w", err)
	}
	if info.Mode().Type() != os.ModeSocket {
		return fmt.Errorf("%w: %s exists and is not a unix socket", ErrInsecureSocket, path)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	return nil
}

func checkSocketDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("stat socket directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: socket directory is not a directory: %s", ErrInsecureSocket, dir)
	}
	if info.Mode().Perm()&0o022 != 0 {
		return fmt.Errorf("%w: socket directory %s is writable by non-owner (mode %04o)", ErrInsecureSocket, dir, info.Mode().Perm())
	}
	return nil
}

// AssertSafeSocket verifies an existing socket path: the directory is not
// writable by others, the file is a socket the owner can read and write,
// and nobody else can reach it except, when allowGroupWrite is set, the
// owning group.
func AssertSafeSocket(path string, allowGroupWrite bool) error {
	if path == "" {
		return errors.New("socketPath missing")
	}
	if !filepath.IsAbs(path) {
		return fmt.Errorf("socketPath must be absolute: %s", path)
	}
	if err := checkSocketDir(filepath.Dir(path)); err != nil {
		return err
	}
	info, err := os.Lstat(path)
	if err != nil {
		return fmt.Errorf("stat socket: %w", err)
	}
	if info.Mode().Type() != os.ModeSocket {
		return fmt.Errorf("%w: %s is not a unix socket", ErrInsecureSocket, path)
	}
	perm := info.Mode().Perm()
	switch {
	case perm&0o600 != 0o600:
		return fmt.Errorf("%w: socket %s must be owner-rw (mode %04o)", ErrInsecureSocket, path, perm)
	case perm&0o007 != 0:
		return fmt.Errorf("%w: socket %s is world-accessible (mode %04o)", ErrInsecureSocket, path, perm)
	case perm&0o020 != 0 && !allowGroupWrite:
		return fmt.Errorf("%w: socket %s is group-writable (mode %04o)", ErrInsecureSocket, path, perm)
	}
	return nil
}
