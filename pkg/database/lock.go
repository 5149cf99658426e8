package database

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"mpkg/pkg/mpkgerr"
)

// Lock is a held exclusive lock on the database's state/lock file. Release
// it with Unlock when the operation that acquired it is done.
type Lock struct {
	f *os.File
}

// Lock acquires the database's exclusive operation lock. It never blocks:
// if another process already holds the lock, it returns a
// *mpkgerr.DatabaseLockedError immediately, per the single-operation-at-a-
// time model the database enforces.
func (db *Database) Lock() (*Lock, error) {
	stateDir := filepath.Join(db.root, "state")
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("creating state dir: %w", err)
	}

	path := filepath.Join(stateDir, "lock")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, &mpkgerr.DatabaseLockedError{Path: path}
	}

	return &Lock{f: f}, nil
}

// Unlock releases the lock and closes the underlying file.
func (l *Lock) Unlock() error {
	if err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN); err != nil {
		l.f.Close()
		return fmt.Errorf("unlocking database: %w", err)
	}
	return l.f.Close()
}
