package registry

// etcd as the node directory:
//
//	Key:   /{prefix}/nodes/{NodeID}
//	Value: JSON-encoded NodeInstance
//
// Every entry is attached to its own lease. The lease is kept alive while the
// node lives, so the entries of a crashed server expire on their own.

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

type EtcdOption func(*EtcdDirectory)

// WithKeyPrefix sets the key namespace; it defaults to "swarm".
func WithKeyPrefix(prefix string) EtcdOption {
	return func(d *EtcdDirectory) { d.prefix = prefix }
}

func WithDialTimeout(t time.Duration) EtcdOption {
	return func(d *EtcdDirectory) { d.dialTimeout = t }
}

func WithLogger(l *zap.Logger) EtcdOption {
	return func(d *EtcdDirectory) { d.logger = l }
}

type registration struct {
	lease  clientv3.LeaseID
	cancel context.CancelFunc
}

// EtcdDirectory implements Directory on etcd v3.
type EtcdDirectory struct {
	client      *clientv3.Client // thread-safe, shared across goroutines
	prefix      string
	dialTimeout time.Duration
	logger      *zap.Logger

	// keep-alives outlive the ctx passed to Register
	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	nodes map[string]registration
}

// NewEtcdDirectory connects to the given etcd endpoints.
func NewEtcdDirectory(endpoints []string, opts ...EtcdOption) (*EtcdDirectory, error) {
	d := &EtcdDirectory{
		prefix:      "swarm",
		dialTimeout: 5 * time.Second,
		logger:      zap.NewNop(),
		nodes:       make(map[string]registration),
	}
	for _, opt := range opts {
		opt(d)
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: d.dialTimeout,
		Logger:      d.logger.Named("etcd"),
	})
	if err != nil {
		return nil, fmt.Errorf("etcd: %w", err)
	}
	d.client = c
	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d, nil
}

func (d *EtcdDirectory) keyPrefix() string { return "/" + d.prefix + "/nodes/" }

func (d *EtcdDirectory) key(id string) string { return d.keyPrefix() + id }

// Register puts inst under a fresh lease of ttl (rounded up to whole seconds)
// and renews it in the background until Deregister or Close.
func (d *EtcdDirectory) Register(ctx context.Context, inst NodeInstance, ttl time.Duration) error {
	secs := int64((ttl + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	lease, err := d.client.Grant(ctx, secs)
	if err != nil {
		return fmt.Errorf("etcd grant: %w", err)
	}

	val, err := json.Marshal(inst)
	if err != nil {
		return err
	}
	if _, err := d.client.Put(ctx, d.key(inst.ID), string(val), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("etcd put %s: %w", inst.ID, err)
	}

	kctx, cancel := context.WithCancel(d.ctx)
	ch, err := d.client.KeepAlive(kctx, lease.ID)
	if err != nil {
		cancel()
		return fmt.Errorf("etcd keepalive: %w", err)
	}
	// Consume KeepAlive responses so the channel never fills up
	go func() {
		for range ch {
		}
	}()

	d.mu.Lock()
	old, replaced := d.nodes[inst.ID]
	d.nodes[inst.ID] = registration{lease: lease.ID, cancel: cancel}
	d.mu.Unlock()
	if replaced {
		old.cancel()
		_, _ = d.client.Revoke(ctx, old.lease)
	}
	return nil
}

// Deregister stops renewing the entry and deletes it.
func (d *EtcdDirectory) Deregister(ctx context.Context, id string) error {
	d.mu.Lock()
	reg, ok := d.nodes[id]
	delete(d.nodes, id)
	d.mu.Unlock()

	if ok {
		reg.cancel()
		// revoking deletes every key attached to the lease
		if _, err := d.client.Revoke(ctx, reg.lease); err == nil {
			return nil
		}
	}
	if _, err := d.client.Delete(ctx, d.key(id)); err != nil {
		return fmt.Errorf("etcd delete %s: %w", id, err)
	}
	return nil
}

// Discover returns every registered node, ordered by id.
func (d *EtcdDirectory) Discover(ctx context.Context) ([]NodeInstance, error) {
	resp, err := d.client.Get(ctx, d.keyPrefix(), clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("etcd get: %w", err)
	}
	nodes := make([]NodeInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var inst NodeInstance
		if err := json.Unmarshal(kv.Value, &inst); err != nil {
			d.logger.Warn("skipping malformed directory entry", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		nodes = append(nodes, inst)
	}
	sortInstances(nodes)
	return nodes, nil
}

// Watch uses etcd's server-push watch on the node prefix and re-reads the full
// list on every change.
func (d *EtcdDirectory) Watch(ctx context.Context) <-chan []NodeInstance {
	ch := make(chan []NodeInstance, 1)

	go func() {
		defer close(ch)
		watchChan := d.client.Watch(ctx, d.keyPrefix(), clientv3.WithPrefix())
		for resp := range watchChan {
			if err := resp.Err(); err != nil {
				d.logger.Warn("directory watch failed", zap.Error(err))
				continue
			}
			nodes, err := d.Discover(ctx)
			if err != nil {
				continue
			}
			select {
			case <-ch:
			default:
			}
			ch <- nodes
		}
	}()
	return ch
}

// Close stops every keep-alive and closes the etcd client. Entries expire
// after their TTL.
func (d *EtcdDirectory) Close() error {
	d.cancel()
	return d.client.Close()
}
