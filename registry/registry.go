// Package registry keeps a mesh-wide directory of live nodes.
//
// A server registers every node it creates, with a TTL, and removes it on
// teardown. Peers look the directory up to learn which node ids they can
// address over the broker.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"
)

// NodeInstance is one directory entry.
type NodeInstance struct {
	ID       string `json:"id"`
	Exchange string `json:"exchange"` // broker exchange the node consumes
	Server   string `json:"server"`   // name of the server process that owns the socket
}

// Directory is implemented by EtcdDirectory and MemoryDirectory.
type Directory interface {
	// Register adds or replaces the entry for inst.ID. The entry expires after
	// ttl unless the directory keeps it alive; implementations renew it until
	// Deregister.
	Register(ctx context.Context, inst NodeInstance, ttl time.Duration) error
	Deregister(ctx context.Context, id string) error
	Discover(ctx context.Context) ([]NodeInstance, error)
	// Watch emits the full node list after every change until ctx ends.
	Watch(ctx context.Context) <-chan []NodeInstance
}

func sortInstances(nodes []NodeInstance) {
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
}

// MemoryDirectory is a Directory for a single process. Entries never expire.
type MemoryDirectory struct {
	mu       sync.Mutex
	nodes    map[string]NodeInstance
	watchers map[chan []NodeInstance]struct{}
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		nodes:    make(map[string]NodeInstance),
		watchers: make(map[chan []NodeInstance]struct{}),
	}
}

func (d *MemoryDirectory) Register(ctx context.Context, inst NodeInstance, ttl time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nodes[inst.ID] = inst
	d.notifyLocked()
	return nil
}

func (d *MemoryDirectory) Deregister(ctx context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.nodes[id]; ok {
		delete(d.nodes, id)
		d.notifyLocked()
	}
	return nil
}

func (d *MemoryDirectory) Discover(ctx context.Context) ([]NodeInstance, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.listLocked(), nil
}

func (d *MemoryDirectory) Watch(ctx context.Context) <-chan []NodeInstance {
	ch := make(chan []NodeInstance, 1)
	d.mu.Lock()
	d.watchers[ch] = struct{}{}
	d.mu.Unlock()

	go func() {
		<-ctx.Done()
		d.mu.Lock()
		delete(d.watchers, ch)
		close(ch)
		d.mu.Unlock()
	}()
	return ch
}

func (d *MemoryDirectory) listLocked() []NodeInstance {
	out := make([]NodeInstance, 0, len(d.nodes))
	for _, n := range d.nodes {
		out = append(out, n)
	}
	sortInstances(out)
	return out
}

// notifyLocked hands every watcher the latest list, replacing one it has not read yet.
func (d *MemoryDirectory) notifyLocked() {
	list := d.listLocked()
	for ch := range d.watchers {
		select {
		case <-ch:
		default:
		}
		ch <- list
	}
}
