package app

import (
	"errors"
	"fmt"
	"os"

	"github.com/gofrs/flock"
	"github.com/herdsync/herdsync/internal/config"
)

var ErrDataDirLocked = errors.New("data directory locked by another herdsync process")

// DataDir guards the data directory so only one process drains its outbox.
type DataDir struct {
	Path  string
	flock *flock.Flock
}

func NewDataDir(cfg *config.Config) *DataDir {
	return &DataDir{
		Path:  cfg.DataDir,
		flock: flock.New(cfg.LockPath()),
	}
}

func (d *DataDir) Lock() error {
	if err := config.EnsureDir(d.Path); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", d.Path, err)
	}

	locked, err := d.flock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to lock data dir: %w", err)
	}
	if !locked {
		return ErrDataDirLocked
	}
	return nil
}

func (d *DataDir) Unlock() error {
	// not ours to remove
	if !d.flock.Locked() {
		return nil
	}

	if err := d.flock.Unlock(); err != nil {
		return fmt.Errorf("failed to unlock data dir: %w", err)
	}
	return os.Remove(d.flock.Path())
}
