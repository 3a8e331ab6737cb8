package registry

// etcd is used as a "distributed phonebook" for services:
//
//	Key:   /ipc-rpc/{service}/{ip:port}
//	Value: the instance as a flat RCM item, {"ip":"10.0.0.1","port":"80"}
//
// Registration uses TTL-based leases: if the server crashes, the lease expires
// and the entry is removed, so no ghost instances are left behind.

import (
	"context"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"ipc-rpc/rcm"
)

const etcdPrefix = "/ipc-rpc/"

// EtcdStore implements Store, Registrar and Watcher on etcd v3.
type EtcdStore struct {
	client *clientv3.Client // Safe for concurrent use, shared by every call
	log    *zap.Logger
}

// DialEtcd connects to the given etcd endpoints.
func DialEtcd(endpoints []string, dialTimeout time.Duration, log *zap.Logger) (*EtcdStore, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, err
	}
	return NewEtcdStore(c, log), nil
}

// NewEtcdStore wraps an existing client.
func NewEtcdStore(c *clientv3.Client, log *zap.Logger) *EtcdStore {
	if log == nil {
		log = zap.NewNop()
	}
	return &EtcdStore{client: c, log: log.Named("etcd")}
}

func servicePrefix(service string) string {
	return etcdPrefix + service + "/"
}

// Register puts the instance under a lease of ttl (at least one second) and
// keeps the lease alive until ctx is done.
//
// The lease ID stays local to the call, so one EtcdStore can register any
// number of instances concurrently.
func (s *EtcdStore) Register(ctx context.Context, service string, inst ServiceInstance, ttl time.Duration) error {
	secs := int64(ttl / time.Second)
	if secs < 1 {
		secs = 1
	}

	// Step 1: Lease, so the entry expires if renewal stops
	lease, err := s.client.Grant(ctx, secs)
	if err != nil {
		return err
	}

	// Step 2: Put the record with the lease attached
	key := servicePrefix(service) + inst.Addr()
	val := rcm.EncodeItem(inst.Item())
	if _, err := s.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return err
	}

	// Step 3: Background renewal, bound to ctx
	ch, err := s.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return err
	}
	go func() {
		// Drain responses so the channel never fills up
		for range ch {
		}
		s.log.Debug("lease renewal stopped", zap.String("key", key))
	}()
	return nil
}

func (s *EtcdStore) Deregister(ctx context.Context, service string, inst ServiceInstance) error {
	_, err := s.client.Delete(ctx, servicePrefix(service)+inst.Addr())
	return err
}

// Discover lists every instance under the service prefix. Records that do not
// decode are skipped.
func (s *EtcdStore) Discover(ctx context.Context, service string) ([]ServiceInstance, error) {
	resp, err := s.client.Get(ctx, servicePrefix(service), clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	insts := make([]ServiceInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		it, err := rcm.DecodeItem(kv.Value)
		if err == nil {
			var inst ServiceInstance
			if inst, err = InstanceFromItem(it); err == nil {
				insts = append(insts, inst)
				continue
			}
		}
		s.log.Warn("skipping malformed record", zap.ByteString("key", kv.Key), zap.Error(err))
	}
	return insts, nil
}

// Watch emits the full list on start and again after every change under the
// service prefix. Refetching the list is simpler than applying watch events.
func (s *EtcdStore) Watch(ctx context.Context, service string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)

	go func() {
		defer close(ch)
		emit := func() bool {
			insts, err := s.Discover(ctx, service)
			if err != nil {
				s.log.Warn("discover failed", zap.String("service", service), zap.Error(err))
				return ctx.Err() == nil
			}
			select {
			case ch <- insts:
				return true
			case <-ctx.Done():
				return false
			}
		}

		watchChan := s.client.Watch(ctx, servicePrefix(service), clientv3.WithPrefix())
		if !emit() {
			return
		}
		for range watchChan {
			if !emit() {
				return
			}
		}
	}()
	return ch
}

// Close closes the etcd client.
func (s *EtcdStore) Close() error {
	return s.client.Close()
}
