package utils

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
)

// RotationConfig controls size-based rotation of the log file
type RotationConfig struct {
	// Filename is set by SetupLogging from the logging file setting
	Filename string `yaml:"-"`

	// MaxSizeMB rotates the file once it would grow past this size (0 = never)
	MaxSizeMB int64 `yaml:"max_size_mb"`

	// MaxBackups is the number of rotated files to keep (0 = keep all)
	MaxBackups int `yaml:"max_backups"`

	// Compress gzips rotated files
	Compress bool `yaml:"compress"`
}

// LogRotator is an io.WriteCloser appending to a log file and rotating it by size.
type LogRotator struct {
	mu     sync.Mutex
	config RotationConfig
	file   *os.File
	size   int64
	now    func() time.Time
}

// NewLogRotator opens the log file, creating its directory if needed
func NewLogRotator(config *RotationConfig) (*LogRotator, error) {
	if config == nil || config.Filename == "" {
		return nil, fmt.Errorf("filename is required")
	}
	lr := &LogRotator{config: *config, now: time.Now}
	if err := lr.open(); err != nil {
		return nil, err
	}
	return lr, nil
}

// Write implements io.Writer
func (lr *LogRotator) Write(p []byte) (int, error) {
	lr.mu.Lock()
	defer lr.mu.Unlock()

	if lr.file == nil {
		return 0, os.ErrClosed
	}
	if max := lr.config.MaxSizeMB * 1024 * 1024; max > 0 && lr.size > 0 && lr.size+int64(len(p)) > max {
		if err := lr.rotate(); err != nil {
			return 0, fmt.Errorf("failed to rotate log: %w", err)
		}
	}

	n, err := lr.file.Write(p)
	lr.size += int64(n)
	return n, err
}

// Close closes the log file
func (lr *LogRotator) Close() error {
	lr.mu.Lock()
	defer lr.mu.Unlock()

	if lr.file == nil {
		return nil
	}
	err := lr.file.Close()
	lr.file = nil
	return err
}

// Rotate forces a rotation
func (lr *LogRotator) Rotate() error {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	return lr.rotate()
}

func (lr *LogRotator) open() error {
	if err := os.MkdirAll(filepath.Dir(lr.config.Filename), 0o755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(lr.config.Filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}
	lr.file, lr.size = f, info.Size()
	return nil
}

func (lr *LogRotator) rotate() error {
	if lr.file != nil {
		if err := lr.file.Close(); err != nil {
			return err
		}
		lr.file = nil
	}

	backup := lr.backupName()
	if err := os.Rename(lr.config.Filename, backup); err != nil && !os.IsNotExist(err) {
		return err
	}
	if lr.config.Compress {
		if err := compressFile(backup); err != nil {
			fmt.Fprintf(os.Stderr, "failed to compress %s: %v\n", backup, err)
		}
	}
	lr.prune()
	return lr.open()
}

func (lr *LogRotator) backupName() string {
	ext := filepath.Ext(lr.config.Filename)
	base := strings.TrimSuffix(lr.config.Filename, ext)
	return fmt.Sprintf("%s-%s%s", base, lr.now().UTC().Format("2006-01-02T15-04-05.000"), ext)
}

// prune removes the oldest backups beyond MaxBackups
func (lr *LogRotator) prune() {
	if lr.config.MaxBackups <= 0 {
		return
	}
	ext := filepath.Ext(lr.config.Filename)
	base := strings.TrimSuffix(filepath.Base(lr.config.Filename), ext)
	dir := filepath.Dir(lr.config.Filename)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	var backups []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, base+"-") && (strings.HasSuffix(name, ext) || strings.HasSuffix(name, ext+".gz")) {
			backups = append(backups, name)
		}
	}
	// Timestamped names sort chronologically.
	sort.Strings(backups)
	for len(backups) > lr.config.MaxBackups {
		_ = os.Remove(filepath.Join(dir, backups[0]))
		backups = backups[1:]
	}
}

func compressFile(name string) error {
	src, err := os.Open(name)
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()

	dst, err := os.Create(name + ".gz")
	if err != nil {
		return err
	}
	zw := gzip.NewWriter(dst)
	if _, err := io.Copy(zw, src); err != nil {
		_ = dst.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		_ = dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	return os.Remove(name)
}
