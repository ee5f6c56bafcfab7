package security

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// LockFileName is the lock file created inside a locked directory.
const LockFileName = ".lock"

// ErrLocked is returned when another process holds the directory lock.
var ErrLocked = errors.New("security: directory is locked by another process")

// DirLock is an exclusive, advisory lock on a directory. It is held until
// Unlock or process exit.
type DirLock struct {
	mu   sync.Mutex
	path string
	file *os.File
}

// LockDir takes the lock of dir without blocking. The holder's pid is
// written to the lock file for diagnostics.
func LockDir(dir string) (*DirLock, error) {
	if err := EnsurePrivateDir(dir); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, LockFileName)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, PermPrivateFile)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := tryLock(f); err != nil {
		f.Close()
		if errors.Is(err, ErrLocked) {
			return nil, fmt.Errorf("%w: %s", ErrLocked, dir)
		}
		return nil, fmt.Errorf("lock %s: %w", dir, err)
	}
	if err := f.Truncate(0); err == nil {
		f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
	}
	return &DirLock{path: path, file: f}, nil
}

// Path returns the lock file path.
func (l *DirLock) Path() string { return l.path }

// Unlock releases the lock. It is safe to call more than once.
func (l *DirLock) Unlock() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := unlock(l.file)
	if cerr := l.file.Close(); err == nil {
		err = cerr
	}
	l.file = nil
	return err
}
