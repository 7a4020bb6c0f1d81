// Size-based log file rotation
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package log

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// RotationConfig configures a rotating log file.
type RotationConfig struct {
	// Filename is the active log file.
	Filename string

	// MaxSizeKB is the size at which the file is rotated. Default 1024.
	MaxSizeKB int

	// Backups is how many rotated files are kept as Filename.1 (newest)
	// through Filename.N. Default 3.
	Backups int
}

// RotatingFile is an io.Writer that moves the active file aside once it
// grows past its limit.
type RotatingFile struct {
	mu      sync.Mutex
	name    string
	limit   int64
	backups int
	size    int64
	file    *os.File
}

// OpenRotatingFile opens or creates cfg.Filename for appending.
func OpenRotatingFile(cfg RotationConfig) (*RotatingFile, error) {
	if cfg.Filename == "" {
		return nil, fmt.Errorf("log file name is required")
	}
	if cfg.MaxSizeKB <= 0 {
		cfg.MaxSizeKB = 1024
	}
	if cfg.Backups <= 0 {
		cfg.Backups = 3
	}
	w := &RotatingFile{
		name:    cfg.Filename,
		limit:   int64(cfg.MaxSizeKB) * 1024,
		backups: cfg.Backups,
	}
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *RotatingFile) open() error {
	if err := os.MkdirAll(filepath.Dir(w.name), 0o755); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(w.name, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	w.file = f
	w.size = info.Size()
	return nil
}

// backupName returns the name of the n-th rotated file.
func (w *RotatingFile) backupName(n int) string {
	return w.name + "." + strconv.Itoa(n)
}

// Write appends p, rotating first when p would cross the limit. A line
// larger than the limit is still written whole into a fresh file.
func (w *RotatingFile) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return 0, os.ErrClosed
	}
	if w.size > 0 && w.size+int64(len(p)) > w.limit {
		if err := w.rotate(); err != nil {
			return 0, fmt.Errorf("rotate log file: %w", err)
		}
	}
	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

// rotate shifts name.N-1 to name.N down to name to name.1. The oldest
// backup falls off the end.
func (w *RotatingFile) rotate() error {
	if err := w.file.Close(); err != nil {
		return err
	}
	w.file = nil
	os.Remove(w.backupName(w.backups))
	for n := w.backups - 1; n >= 1; n-- {
		if _, err := os.Stat(w.backupName(n)); err == nil {
			if err := os.Rename(w.backupName(n), w.backupName(n+1)); err != nil {
				return err
			}
		}
	}
	if err := os.Rename(w.name, w.backupName(1)); err != nil {
		w.open()
		return err
	}
	return w.open()
}

// Size returns the size of the active file.
func (w *RotatingFile) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// Close closes the active file.
func (w *RotatingFile) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// TeeToFile keeps l writing to stderr and adds a rotating copy without
// colors. The returned closer releases the file.
func TeeToFile(l *Logger, cfg RotationConfig) (io.Closer, error) {
	f, err := OpenRotatingFile(cfg)
	if err != nil {
		return nil, err
	}
	l.SetWriter(io.MultiWriter(os.Stderr, f))
	l.SetColorize(false)
	return f, nil
}
