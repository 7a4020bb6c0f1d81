// Memory-mapped file backend for the slot store
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

//go:build unix

package storage

import (
	"os"

	"golang.org/x/sys/unix"

	"deltacore/pkg/errors"
	"deltacore/pkg/log"
)

// File is a Store backed by a memory-mapped file, standing in for the
// controller EEPROM.
type File struct {
	image
	f    *os.File
	path string
}

// OpenFile maps path, creating or growing it to size bytes.
func OpenFile(path string, size int) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errors.Storage("open "+path, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Storage("stat "+path, err)
	}
	if st.Size() < int64(size) {
		if err := f.Truncate(int64(size)); err != nil {
			f.Close()
			return nil, errors.Storage("truncate "+path, err)
		}
	}
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, errors.Storage("mmap "+path, err)
	}
	log.Get("storage").WithField("path", path).WithField("size", size).Debug("mapped store")
	return &File{image: data, f: f, path: path}, nil
}

func (s *File) Sync() error {
	if err := unix.Msync(s.image, unix.MS_SYNC); err != nil {
		return errors.Storage("msync "+s.path, err)
	}
	return nil
}

// Close flushes, unmaps and closes the file.
func (s *File) Close() error {
	if s.image == nil {
		return nil
	}
	syncErr := s.Sync()
	if err := unix.Munmap(s.image); err != nil {
		return errors.Storage("munmap "+s.path, err)
	}
	s.image = nil
	if err := s.f.Close(); err != nil {
		return errors.Storage("close "+s.path, err)
	}
	return syncErr
}
