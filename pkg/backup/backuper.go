// Package backup takes periodic compressed snapshots of the event-store log
// and prunes old snapshot files.
package backup

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/pkg/errors"
)

// BackupFilenamePrefix is the prefix used in every backup file.
const BackupFilenamePrefix = "sn_backup"

// BackupResult describes one finished backup.
type BackupResult struct {
	Path                   string
	Timestamp              time.Time
	Size                   int64
	SizeAfterCompression   int64
	ElapsedTime            time.Duration
	CompressionElapsedTime time.Duration
}

// Backuper snapshots the event-store log file into a backup directory.
type Backuper struct {
	sourcePath, dir string
	config          *Config
}

// NewBackuper creates a backuper for the log file at sourcePath.
func NewBackuper(sourcePath string, backupDir string, opts ...Option) (*Backuper, error) {
	config := DefaultConfig()
	for _, o := range opts {
		if err := o(config); err != nil {
			return nil, err
		}
	}

	if err := os.MkdirAll(backupDir, 0o755); err != nil {
		return nil, errors.Errorf("os mkdir all: %s", err)
	}

	return &Backuper{
		sourcePath: sourcePath,
		dir:        backupDir,
		config:     config,
	}, nil
}

// Backup copies the log to a timestamped file in the backup directory.
// Multiple serial calls to Backup can be performed, which is how retries on
// error work.
func (b *Backuper) Backup(_ context.Context) (_ BackupResult, err error) {
	timestamp := time.Now().UTC()
	dest := path.Join(b.dir, fmt.Sprintf("%s_%s.log", BackupFilenamePrefix, timestamp.Format("20060102T150405")))
	defer func() {
		if err != nil {
			_ = os.Remove(dest)
		}
	}()

	startTime := time.Now()
	size, err := copyFile(b.sourcePath, dest)
	if err != nil {
		return BackupResult{}, errors.Errorf("copying log: %s", err)
	}

	result := BackupResult{
		Path:        dest,
		Timestamp:   timestamp,
		Size:        size,
		ElapsedTime: time.Since(startTime),
	}

	if b.config.Compression {
		compressStart := time.Now()
		compressedPath, err := Compress(dest)
		if err != nil {
			return BackupResult{}, errors.Errorf("do compress: %s", err)
		}
		if err := os.Remove(dest); err != nil {
			return BackupResult{}, errors.Errorf("os remove: %s", err)
		}
		info, err := os.Stat(compressedPath)
		if err != nil {
			return BackupResult{}, errors.Errorf("stat compressed file: %s", err)
		}
		result.Path = compressedPath
		result.SizeAfterCompression = info.Size()
		result.CompressionElapsedTime = time.Since(compressStart)
	}

	if b.config.Pruning {
		if err := Prune(b.dir, b.config.KeepFiles); err != nil {
			return BackupResult{}, errors.Errorf("prune: %s", err)
		}
	}
	return result, nil
}

func copyFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, errors.Errorf("open source: %s", err)
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, errors.Errorf("open dest: %s", err)
	}
	n, err := io.Copy(out, in)
	if err != nil {
		out.Close()
		return 0, errors.Errorf("copy: %s", err)
	}
	return n, out.Close()
}

// Config holds backuper options.
type Config struct {
	Compression bool
	Pruning     bool
	KeepFiles   int
}

// DefaultConfig returns the default backuper options.
func DefaultConfig() *Config {
	return &Config{
		Compression: true,
		Pruning:     true,
		KeepFiles:   5,
	}
}

// Option mutates the backuper configuration.
type Option func(*Config) error

// WithCompression toggles zstd compression of snapshots.
func WithCompression(enabled bool) Option {
	return func(c *Config) error {
		c.Compression = enabled
		return nil
	}
}

// WithPruning toggles pruning and sets how many snapshot files to keep.
func WithPruning(enabled bool, keep int) Option {
	return func(c *Config) error {
		if enabled && keep < 1 {
			return errors.New("keep less than one")
		}
		c.Pruning = enabled
		c.KeepFiles = keep
		return nil
	}
}
