package secrets

import (
	"context"
	"fmt"
	"strconv"
	"sync"
)

// Memory is an in-process Store used in tests and with SECRETS_BACKEND=memory.
type Memory struct {
	mu       sync.RWMutex
	versions map[string][]string
}

func NewMemory() *Memory {
	return &Memory{versions: map[string][]string{}}
}

func (m *Memory) EnsureSecret(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := SecretID(name)
	if _, ok := m.versions[id]; !ok {
		m.versions[id] = nil
	}
	return nil
}

func (m *Memory) AddVersion(_ context.Context, name, value string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := SecretID(name)
	vs, ok := m.versions[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	m.versions[id] = append(vs, value)
	return id + "/versions/" + strconv.Itoa(len(vs)+1), nil
}

func (m *Memory) AccessLatest(_ context.Context, name string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id := SecretID(name)
	vs := m.versions[id]
	if len(vs) == 0 {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	v := versionOf(name)
	if v == "latest" {
		return vs[len(vs)-1], nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 || n > len(vs) {
		return "", fmt.Errorf("%w: %s/versions/%s", ErrNotFound, id, v)
	}
	return vs[n-1], nil
}

// Versions reports how many versions a secret has. Test helper.
func (m *Memory) Versions(name string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.versions[SecretID(name)])
}
