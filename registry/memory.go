package registry

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"
)

// Memory is an in-process Registry. Entries never expire; the ttl passed to
// Register is ignored. It is meant for tests and for single-node deployments
// without etcd.
type Memory struct {
	mu       sync.Mutex
	services map[string]map[string]Instance
	watchers map[string][]chan []Instance
	closed   bool
}

// NewMemory constructs an empty in-memory registry.
func NewMemory() *Memory {
	return &Memory{
		services: make(map[string]map[string]Instance),
		watchers: make(map[string][]chan []Instance),
	}
}

// Register implements Registry. Registering an address again replaces the
// earlier instance.
func (m *Memory) Register(_ context.Context, service string, inst Instance, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	insts, ok := m.services[service]
	if !ok {
		insts = make(map[string]Instance)
		m.services[service] = insts
	}
	insts[inst.Addr] = inst
	m.notifyLocked(service)
	return nil
}

// Deregister implements Registry.
func (m *Memory) Deregister(_ context.Context, service, addr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.services[service][addr]; !ok {
		return nil
	}
	delete(m.services[service], addr)
	m.notifyLocked(service)
	return nil
}

// Discover implements Registry.
func (m *Memory) Discover(_ context.Context, service string) ([]Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	return m.listLocked(service), nil
}

// Watch implements Registry.
func (m *Memory) Watch(ctx context.Context, service string) (<-chan []Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	ch := make(chan []Instance, 1)
	ch <- m.listLocked(service)
	m.watchers[service] = append(m.watchers[service], ch)

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		if i := slices.Index(m.watchers[service], ch); i >= 0 {
			m.watchers[service] = slices.Delete(m.watchers[service], i, i+1)
			close(ch)
		}
	}()
	return ch, nil
}

// Close implements Registry. It closes every open watch.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for _, ws := range m.watchers {
		for _, ch := range ws {
			close(ch)
		}
	}
	m.watchers = nil
	return nil
}

func (m *Memory) listLocked(service string) []Instance {
	out := make([]Instance, 0, len(m.services[service]))
	for _, inst := range m.services[service] {
		out = append(out, inst)
	}
	slices.SortFunc(out, func(a, b Instance) int { return strings.Compare(a.Addr, b.Addr) })
	return out
}

func (m *Memory) notifyLocked(service string) {
	if len(m.watchers[service]) == 0 {
		return
	}
	insts := m.listLocked(service)
	for _, ch := range m.watchers[service] {
		sendLatest(ch, insts)
	}
}
