// Package storage defines the contract with the content-addressable
// storage network holding document bytes, plus the local implementations.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"github.com/docmesh/docmesh/pkg/common"
)

// Network stores immutable document bytes and hands back opaque content
// references. It is assumed durable and content-addressed; failures
// surface as common.ErrStorageUnavailable.
type Network interface {
	// Put stores content and returns its content reference.
	Put(ctx context.Context, name string, content []byte) (string, error)
	// Get resolves a content reference back to its bytes.
	Get(ctx context.Context, ref string) ([]byte, error)
}

// Memory is an in-process Network used for single-node operation and tests.
type Memory struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{objects: make(map[string][]byte)}
}

func (m *Memory) Put(_ context.Context, _ string, content []byte) (string, error) {
	sum := sha256.Sum256(content)
	ref := hex.EncodeToString(sum[:])

	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[ref] = append([]byte(nil), content...)
	return ref, nil
}

func (m *Memory) Get(_ context.Context, ref string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	content, ok := m.objects[ref]
	if !ok {
		return nil, common.ErrStorageUnavailable
	}
	return append([]byte(nil), content...), nil
}
