// EtcdRegistry keeps service instances in etcd:
//
//	Key:   {prefix}/{ServiceName}/{Addr}
//	Value: JSON-encoded ServiceInstance
//
// Registration uses TTL-based leases: if the server crashes, the lease expires
// and the entry disappears with it.
package registry

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const DefaultPrefix = "/ice"

// EtcdRegistry implements Registry on etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client // thread-safe, shared across goroutines
	prefix string
	log    *zap.Logger

	mu     sync.Mutex
	leases map[string]registration // by key
}

type registration struct {
	lease clientv3.LeaseID
	stop  context.CancelFunc // ends the KeepAlive stream
}

type EtcdOption func(*EtcdRegistry)

// WithPrefix sets the key prefix. Defaults to DefaultPrefix.
func WithPrefix(prefix string) EtcdOption {
	return func(r *EtcdRegistry) { r.prefix = strings.TrimSuffix(prefix, "/") }
}

func WithLogger(l *zap.Logger) EtcdOption {
	return func(r *EtcdRegistry) { r.log = l }
}

// NewEtcdRegistry connects to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, dialTimeout time.Duration, opts ...EtcdOption) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, errors.Wrap(err, "connect etcd")
	}
	r := &EtcdRegistry{
		client: c,
		prefix: DefaultPrefix,
		log:    zap.NewNop(),
		leases: make(map[string]registration),
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

func (r *EtcdRegistry) servicePrefix(serviceName string) string {
	return r.prefix + "/" + serviceName + "/"
}

// Register puts instance under a lease of ttl seconds and keeps the lease
// alive until Deregister or Close. The lease is not tied to ctx.
func (r *EtcdRegistry) Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error {
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return errors.Wrap(err, "grant lease")
	}

	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}

	key := r.servicePrefix(serviceName) + instance.Addr
	if _, err := r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return errors.Wrapf(err, "put %s", key)
	}

	kaCtx, stop := context.WithCancel(context.Background())
	ch, err := r.client.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		stop()
		return errors.Wrap(err, "keep lease alive")
	}

	r.mu.Lock()
	if old, ok := r.leases[key]; ok {
		old.stop()
	}
	r.leases[key] = registration{lease: lease.ID, stop: stop}
	r.mu.Unlock()

	// Drain KeepAlive responses so the channel does not fill up.
	go func() {
		for range ch {
		}
		r.log.Debug("lease keepalive ended", zap.String("key", key), zap.Int64("lease", int64(lease.ID)))
	}()

	r.log.Info("registered instance", zap.String("service", serviceName), zap.String("addr", instance.Addr), zap.Int64("ttl", ttl))
	return nil
}

// Deregister removes an instance and revokes its lease.
func (r *EtcdRegistry) Deregister(ctx context.Context, serviceName string, addr string) error {
	key := r.servicePrefix(serviceName) + addr

	r.mu.Lock()
	reg, ok := r.leases[key]
	delete(r.leases, key)
	r.mu.Unlock()

	if _, err := r.client.Delete(ctx, key); err != nil {
		return errors.Wrapf(err, "delete %s", key)
	}
	if ok {
		reg.stop()
		if _, err := r.client.Revoke(ctx, reg.lease); err != nil {
			r.log.Warn("revoking lease", zap.String("key", key), zap.Error(err))
		}
	}
	return nil
}

// Watch re-reads the instance list on every change under the service prefix
// and emits it. Only the latest list is kept if the reader falls behind.
func (r *EtcdRegistry) Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)

	emit := func() {
		instances, err := r.Discover(ctx, serviceName)
		if err != nil && !errors.Is(err, ErrNotFound) {
			r.log.Warn("discovering for watch", zap.String("service", serviceName), zap.Error(err))
			return
		}
		select {
		case <-ch:
		default:
		}
		ch <- instances
	}

	go func() {
		defer close(ch)
		// Start watching before the first read so no change falls in between.
		watchChan := r.client.Watch(ctx, r.servicePrefix(serviceName), clientv3.WithPrefix())
		emit()
		for resp := range watchChan {
			if err := resp.Err(); err != nil {
				r.log.Warn("watch failed", zap.String("service", serviceName), zap.Error(err))
				continue
			}
			emit()
		}
	}()

	return ch
}

// Discover returns every instance currently registered for the service.
func (r *EtcdRegistry) Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error) {
	resp, err := r.client.Get(ctx, r.servicePrefix(serviceName), clientv3.WithPrefix())
	if err != nil {
		return nil, errors.Wrapf(err, "discover %s", serviceName)
	}

	instances := make([]ServiceInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance ServiceInstance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			r.log.Warn("skipping malformed instance", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		instances = append(instances, instance)
	}
	if len(instances) == 0 {
		return nil, ErrNotFound
	}
	return instances, nil
}

// Close stops every keepalive and closes the etcd client. Leases then expire
// on their own.
func (r *EtcdRegistry) Close() error {
	r.mu.Lock()
	for key, reg := range r.leases {
		reg.stop()
		delete(r.leases, key)
	}
	r.mu.Unlock()
	return r.client.Close()
}
