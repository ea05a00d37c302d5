// memory.go — in-memory драйвер хранилища для тестов конвейера.
// Позволяет инъектировать транзиентные и постоянные сбои по ключу.
package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
)

// MemStore — потокобезопасное in-memory хранилище.
type MemStore struct {
	mu      sync.Mutex
	objects map[string][]byte

	// failPut — количество оставшихся транзиентных сбоев Put по ключу
	failPut map[string]int
	// permanentPut — ключи, для которых Put всегда возвращает постоянную ошибку
	permanentPut map[string]bool
}

// NewMemStore создаёт пустое in-memory хранилище.
func NewMemStore() *MemStore {
	return &MemStore{
		objects:      make(map[string][]byte),
		failPut:      make(map[string]int),
		permanentPut: make(map[string]bool),
	}
}

// FailPutTransient настраивает n транзиентных сбоев для Put по ключу key.
func (m *MemStore) FailPutTransient(key string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failPut[key] = n
}

// FailPutPermanent настраивает постоянный сбой для Put по ключу key.
func (m *MemStore) FailPutPermanent(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.permanentPut[key] = true
}

// Has проверяет наличие объекта.
func (m *MemStore) Has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok
}

// Put записывает объект в память с учётом настроенных сбоев.
func (m *MemStore) Put(ctx context.Context, r io.Reader, key string) (*PutResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, &TransientError{Err: err}
	}

	m.mu.Lock()
	if m.permanentPut[key] {
		m.mu.Unlock()
		return nil, &PermanentError{Err: fmt.Errorf("инъектированный постоянный сбой: %s", key)}
	}
	if n := m.failPut[key]; n > 0 {
		m.failPut[key] = n - 1
		m.mu.Unlock()
		return nil, &TransientError{Err: fmt.Errorf("инъектированный транзиентный сбой: %s", key)}
	}
	m.mu.Unlock()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, &PermanentError{Err: fmt.Errorf("ошибка чтения данных: %w", err)}
	}

	m.mu.Lock()
	m.objects[key] = data
	m.mu.Unlock()

	sum := sha256.Sum256(data)
	return &PutResult{
		Size:     int64(len(data)),
		Checksum: hex.EncodeToString(sum[:]),
	}, nil
}

// Get открывает объект для чтения.
func (m *MemStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, &TransientError{Err: err}
	}

	m.mu.Lock()
	data, ok := m.objects[key]
	m.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Delete удаляет объект. Отсутствующий объект — не ошибка.
func (m *MemStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return &TransientError{Err: err}
	}

	m.mu.Lock()
	delete(m.objects, key)
	m.mu.Unlock()
	return nil
}
