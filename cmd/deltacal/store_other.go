//go:build !unix

package main

import "deltacore/pkg/storage"

type storeCloser interface {
	storage.Store
	closer
}

type memoryStore struct{ *storage.Memory }

func (memoryStore) Close() error { return nil }

// openStore keeps the image in memory; file-backed storage needs mmap.
func openStore(path string, size int) (storeCloser, error) {
	return memoryStore{storage.NewMemory(size)}, nil
}
