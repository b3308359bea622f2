package bus

import (
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// fileLock is an advisory flock held on an open descriptor. flock locks
// belong to the open file description, so two opens in the same process
// still exclude each other.
type fileLock struct {
	f *os.File
}

func lockFileExclusive(path string) (*fileLock, error) {
	return acquireFlock(path, unix.LOCK_EX)
}

func lockFileShared(path string) (*fileLock, error) {
	return acquireFlock(path, unix.LOCK_SH)
}

func acquireFlock(path string, how int) (*fileLock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	for {
		err = unix.Flock(int(f.Fd()), how)
		if err != unix.EINTR {
			break
		}
	}
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &fileLock{f: f}, nil
}

func (l *fileLock) unlock() {
	_ = unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	_ = l.f.Close()
}
