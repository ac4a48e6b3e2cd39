// Package storage keeps proxied exchanges in memory.
package storage

import (
	"encoding/json"
	"errors"
	"os"
	"sync"

	"github.com/golang/groupcache/lru"
	uuid "github.com/satori/go.uuid"
	"github.com/samber/lo"

	"github.com/denisvmedia/go-interceptproxy/proxy"
)

// ErrNotFound is returned for an unknown request ID.
var ErrNotFound = errors.New("request not found")

// Memory stores owned copies of requests. When a capacity is set, the least
// recently used requests are evicted first.
type Memory struct {
	mu    sync.Mutex
	cache *lru.Cache
	order []string
}

var _ proxy.Storage = (*Memory)(nil)

// NewMemory creates a store holding up to capacity requests. Zero means no
// limit.
func NewMemory(capacity int) *Memory {
	m := &Memory{cache: lru.New(capacity)}
	m.cache.OnEvicted = func(key lru.Key, _ any) {
		m.order = lo.Without(m.order, key.(string))
	}
	return m
}

// Save stores the request without its response or websocket messages.
func (m *Memory) Save(req *proxy.Request) error {
	c := req.Clone()
	c.Response = nil
	c.WSMessages = nil
	return m.put(req, c)
}

// DeepSave stores the request with everything attached to it.
func (m *Memory) DeepSave(req *proxy.Request) error {
	return m.put(req, req.Clone())
}

func (m *Memory) put(req, c *proxy.Request) error {
	if req.ID == "" {
		req.ID = uuid.NewV4().String()
	}
	c.ID = req.ID

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cache.Get(c.ID); !ok {
		m.order = append(m.order, c.ID)
	}
	m.cache.Add(c.ID, c)
	return nil
}

// LoadByID returns a copy of the stored request.
func (m *Memory) LoadByID(id string) (*proxy.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.cache.Get(id)
	if !ok {
		return nil, ErrNotFound
	}
	return v.(*proxy.Request).Clone(), nil
}

// List returns copies of the stored requests in the order they were first
// saved.
func (m *Memory) List() []*proxy.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*proxy.Request, 0, len(m.order))
	for _, id := range m.order {
		if v, ok := m.cache.Get(id); ok {
			out = append(out, v.(*proxy.Request).Clone())
		}
	}
	return out
}

// Len returns the number of stored requests.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cache.Len()
}

// WriteFile dumps the stored requests as JSON. The file is replaced
// atomically.
func (m *Memory) WriteFile(path string) error {
	b, err := json.MarshalIndent(m.List(), "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
