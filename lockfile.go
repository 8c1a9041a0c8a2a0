package main

import (
	"fmt"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

const defaultLockPath = "/var/tmp/.cachelat.lock"

// lockFile holds an exclusive flock guarding the shared tracefs instance:
// two tracers reconfiguring the same events and filters would corrupt each
// other's view.
type lockFile struct {
	f    *os.File
	path string
}

func acquireLock(path string) (*lockFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("another tracer holds %s: %w", path, err)
	}
	f.Truncate(0)
	f.WriteString(strconv.Itoa(os.Getpid()) + "\n")
	return &lockFile{f: f, path: path}, nil
}

func (l *lockFile) release() {
	unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	l.f.Close()
	os.Remove(l.path)
}
