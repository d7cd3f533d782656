package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// DefaultPrefix is the etcd key prefix used when none is configured.
//
//	Key:   {prefix}{service}/{addr}
//	Value: JSON-encoded Instance
const DefaultPrefix = "/unary-rpc/"

// EtcdConfig configures an Etcd registry.
type EtcdConfig struct {
	Endpoints   []string
	DialTimeout time.Duration // default 5s
	Prefix      string        // default DefaultPrefix
	Logger      *zap.Logger
}

// Etcd is a Registry backed by etcd v3.
type Etcd struct {
	client *clientv3.Client
	prefix string
	log    *zap.Logger

	mu     sync.Mutex
	leases map[string]lease // key → active lease
	closed bool
}

type lease struct {
	id   clientv3.LeaseID
	stop context.CancelFunc // ends the keepalive loop
}

// NewEtcd connects to the etcd cluster named by cfg.
func NewEtcd(cfg EtcdConfig) (*Etcd, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("etcd registry: no endpoints")
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	dt := cfg.DialTimeout
	if dt <= 0 {
		dt = 5 * time.Second
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: dt,
		Logger:      log.Named("etcd-client"),
	})
	if err != nil {
		return nil, fmt.Errorf("etcd registry: %w", err)
	}
	return &Etcd{
		client: c,
		prefix: prefix,
		log:    log.Named("registry").With(zap.String("backend", "etcd")),
		leases: make(map[string]lease),
	}, nil
}

func (r *Etcd) servicePrefix(service string) string { return r.prefix + service + "/" }

func (r *Etcd) key(service, addr string) string { return r.servicePrefix(service) + addr }

// Register implements Registry. It grants a lease of ttl, stores inst under
// that lease, and keeps the lease alive in the background.
func (r *Etcd) Register(ctx context.Context, service string, inst Instance, ttl time.Duration) error {
	val, err := json.Marshal(inst)
	if err != nil {
		return err
	}
	grant, err := r.client.Grant(ctx, ttlSeconds(ttl))
	if err != nil {
		return fmt.Errorf("grant lease: %w", err)
	}
	key := r.key(service, inst.Addr)
	if _, err := r.client.Put(ctx, key, string(val), clientv3.WithLease(grant.ID)); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}

	// The keepalive outlives ctx; it ends on Deregister or Close.
	kctx, stop := context.WithCancel(context.Background())
	ch, err := r.client.KeepAlive(kctx, grant.ID)
	if err != nil {
		stop()
		return fmt.Errorf("keepalive: %w", err)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		stop()
		return ErrClosed
	}
	old, replaced := r.leases[key]
	r.leases[key] = lease{id: grant.ID, stop: stop}
	r.mu.Unlock()
	if replaced {
		old.stop()
	}

	go func() {
		for range ch {
		}
		r.log.Debug("keepalive ended", zap.String("key", key))
	}()
	r.log.Info("registered", zap.String("service", service), zap.String("addr", inst.Addr),
		zap.Duration("ttl", ttl))
	return nil
}

// Deregister implements Registry.
func (r *Etcd) Deregister(ctx context.Context, service, addr string) error {
	key := r.key(service, addr)
	r.mu.Lock()
	l, ok := r.leases[key]
	delete(r.leases, key)
	r.mu.Unlock()

	if ok {
		l.stop()
		// Revoking the lease deletes every key attached to it.
		if _, err := r.client.Revoke(ctx, l.id); err == nil {
			r.log.Info("deregistered", zap.String("service", service), zap.String("addr", addr))
			return nil
		}
	}
	if _, err := r.client.Delete(ctx, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	r.log.Info("deregistered", zap.String("service", service), zap.String("addr", addr))
	return nil
}

// Discover implements Registry.
func (r *Etcd) Discover(ctx context.Context, service string) ([]Instance, error) {
	resp, err := r.client.Get(ctx, r.servicePrefix(service), clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("discover %s: %w", service, err)
	}
	out := make([]Instance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var inst Instance
		if err := json.Unmarshal(kv.Value, &inst); err != nil {
			r.log.Warn("skipping malformed instance", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		out = append(out, inst)
	}
	slices.SortFunc(out, func(a, b Instance) int { return strings.Compare(a.Addr, b.Addr) })
	return out, nil
}

// Watch implements Registry. On every change under the service prefix the
// full instance list is fetched again.
func (r *Etcd) Watch(ctx context.Context, service string) (<-chan []Instance, error) {
	first, err := r.Discover(ctx, service)
	if err != nil {
		return nil, err
	}
	out := make(chan []Instance, 1)
	out <- first

	wch := r.client.Watch(clientv3.WithRequireLeader(ctx), r.servicePrefix(service), clientv3.WithPrefix())
	go func() {
		defer close(out)
		for wr := range wch {
			if err := wr.Err(); err != nil {
				r.log.Warn("watch failed", zap.String("service", service), zap.Error(err))
				return
			}
			insts, err := r.Discover(ctx, service)
			if err != nil {
				if ctx.Err() == nil {
					r.log.Warn("watch refresh failed", zap.String("service", service), zap.Error(err))
				}
				continue
			}
			sendLatest(out, insts)
		}
	}()
	return out, nil
}

// Close implements Registry. It stops renewing every lease; the entries then
// expire after their TTL.
func (r *Etcd) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	leases := r.leases
	r.leases = nil
	r.mu.Unlock()

	for _, l := range leases {
		l.stop()
	}
	return r.client.Close()
}
