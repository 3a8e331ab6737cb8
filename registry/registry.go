// Package registry keeps track of which server instances provide which
// service, and answers naming queries for them over IPC.
//
// Backends implement some or all of Store, Registrar and Watcher. MemoryStore
// keeps everything in process; EtcdStore shares it through etcd.
package registry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"ipc-rpc/rcm"
)

// ErrBadInstance is returned for an instance record without a usable ip or port.
var ErrBadInstance = errors.New("registry: bad instance")

// ServiceInstance is one server providing a service.
type ServiceInstance struct {
	IP   string
	Port int
	Tag  string // Free-form, e.g. a load balancing weight
}

// Addr returns "ip:port".
func (i ServiceInstance) Addr() string {
	return net.JoinHostPort(i.IP, strconv.Itoa(i.Port))
}

// Item converts the instance to the msg item naming replies carry.
func (i ServiceInstance) Item() rcm.Item {
	it := rcm.Item{
		"ip":   i.IP,
		"port": strconv.Itoa(i.Port),
	}
	if i.Tag != "" {
		it["tag"] = i.Tag
	}
	return it
}

// InstanceFromItem is the inverse of ServiceInstance.Item.
func InstanceFromItem(it rcm.Item) (ServiceInstance, error) {
	ip := it.Get("ip")
	if ip == "" {
		return ServiceInstance{}, fmt.Errorf("%w: missing ip", ErrBadInstance)
	}
	port, err := strconv.Atoi(it.Get("port"))
	if err != nil || port <= 0 || port > 65535 {
		return ServiceInstance{}, fmt.Errorf("%w: port %q", ErrBadInstance, it.Get("port"))
	}
	return ServiceInstance{IP: ip, Port: port, Tag: it.Get("tag")}, nil
}

// Store answers which instances provide a service.
type Store interface {
	Discover(ctx context.Context, service string) ([]ServiceInstance, error)
}

// Registrar announces and withdraws instances. ttl bounds how long an
// announcement outlives a registrar that stops renewing it; backends without
// expiry ignore it.
type Registrar interface {
	Register(ctx context.Context, service string, inst ServiceInstance, ttl time.Duration) error
	Deregister(ctx context.Context, service string, inst ServiceInstance) error
}

// Watcher streams the full instance list of a service whenever it changes. The
// channel is closed when ctx is done.
type Watcher interface {
	Watch(ctx context.Context, service string) <-chan []ServiceInstance
}

// MemoryStore is an in-process registry.
type MemoryStore struct {
	mu       sync.RWMutex
	services map[string]map[string]ServiceInstance // service → addr → instance
	watchers map[string][]chan []ServiceInstance
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		services: make(map[string]map[string]ServiceInstance),
		watchers: make(map[string][]chan []ServiceInstance),
	}
}

func (m *MemoryStore) Register(_ context.Context, service string, inst ServiceInstance, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	insts, ok := m.services[service]
	if !ok {
		insts = make(map[string]ServiceInstance)
		m.services[service] = insts
	}
	insts[inst.Addr()] = inst
	m.notifyLocked(service)
	return nil
}

func (m *MemoryStore) Deregister(_ context.Context, service string, inst ServiceInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.services[service], inst.Addr())
	m.notifyLocked(service)
	return nil
}

// Discover returns the instances of service ordered by address.
func (m *MemoryStore) Discover(_ context.Context, service string) ([]ServiceInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listLocked(service), nil
}

func (m *MemoryStore) Watch(ctx context.Context, service string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)
	m.mu.Lock()
	m.watchers[service] = append(m.watchers[service], ch)
	ch <- m.listLocked(service)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		ws := m.watchers[service]
		for i, w := range ws {
			if w == ch {
				m.watchers[service] = append(ws[:i], ws[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch
}

func (m *MemoryStore) listLocked(service string) []ServiceInstance {
	insts := make([]ServiceInstance, 0, len(m.services[service]))
	for _, inst := range m.services[service] {
		insts = append(insts, inst)
	}
	sort.Slice(insts, func(i, j int) bool { return insts[i].Addr() < insts[j].Addr() })
	return insts
}

// notifyLocked hands every watcher the latest list, replacing one it has not
// picked up yet.
func (m *MemoryStore) notifyLocked(service string) {
	list := m.listLocked(service)
	for _, ch := range m.watchers[service] {
		select {
		case <-ch:
		default:
		}
		ch <- list
	}
}
