//go:build unix

package main

import "deltacore/pkg/storage"

type storeCloser interface {
	storage.Store
	closer
}

type memoryStore struct{ *storage.Memory }

func (memoryStore) Close() error { return nil }

func openStore(path string, size int) (storeCloser, error) {
	if path == "" {
		return memoryStore{storage.NewMemory(size)}, nil
	}
	f, err := storage.OpenFile(path, size)
	if err != nil {
		return nil, err
	}
	return f, nil
}
