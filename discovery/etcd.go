package discovery

import (
	"context"
	"fmt"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrrtps/pkg/rtps"
)

func NewClient(endpoints []string, dialTimeout time.Duration) (*clientv3.Client, error) {
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
}

// Registration keeps this participant's endpoint records alive under one
// lease. Records vanish when the lease expires or is revoked.
type Registration struct {
	cli    *clientv3.Client
	domain uint32
	lease  clientv3.LeaseID
	cancel context.CancelFunc
	logger *zap.Logger
}

// Register grants a lease of ttl seconds, writes every announcement under it
// and keeps the lease alive until Close.
func Register(ctx context.Context, cli *clientv3.Client, domain uint32, anns []Announcement, ttl int64, logger *zap.Logger) (*Registration, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	lease, err := cli.Grant(ctx, ttl)
	if err != nil {
		return nil, fmt.Errorf("grant lease: %w", err)
	}
	r := &Registration{cli: cli, domain: domain, lease: lease.ID, logger: logger.Named("discovery")}

	ops := make([]clientv3.Op, 0, len(anns))
	for _, a := range anns {
		op, err := r.put(a)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	if len(ops) > 0 {
		if _, err := cli.Txn(ctx).Then(ops...).Commit(); err != nil {
			return nil, fmt.Errorf("register endpoints: %w", err)
		}
	}

	kaCtx, cancel := context.WithCancel(context.Background())
	ch, err := cli.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("keep lease alive: %w", err)
	}
	r.cancel = cancel
	go func() {
		for range ch {
		}
		r.logger.Info("lease keepalive stopped", zap.Int64("lease", int64(lease.ID)))
	}()
	r.logger.Info("registered endpoints",
		zap.Int("endpoints", len(anns)), zap.Int64("lease", int64(lease.ID)), zap.Int64("ttl", ttl))
	return r, nil
}

func (r *Registration) put(a Announcement) (clientv3.Op, error) {
	if err := a.Validate(); err != nil {
		return clientv3.Op{}, err
	}
	val, err := a.Marshal()
	if err != nil {
		return clientv3.Op{}, err
	}
	return clientv3.OpPut(Key(r.domain, a.GUID), string(val), clientv3.WithLease(r.lease)), nil
}

// Add publishes an endpoint created after Register.
func (r *Registration) Add(ctx context.Context, a Announcement) error {
	op, err := r.put(a)
	if err != nil {
		return err
	}
	if _, err := r.cli.Do(ctx, op); err != nil {
		return fmt.Errorf("register %s: %w", a.GUID, err)
	}
	return nil
}

func (r *Registration) Remove(ctx context.Context, guid rtps.Guid) error {
	if _, err := r.cli.Delete(ctx, Key(r.domain, guid)); err != nil {
		return fmt.Errorf("unregister %s: %w", guid, err)
	}
	return nil
}

// Close stops the keepalive and revokes the lease, removing every record.
func (r *Registration) Close(ctx context.Context) error {
	r.cancel()
	if _, err := r.cli.Revoke(ctx, r.lease); err != nil {
		return fmt.Errorf("revoke lease: %w", err)
	}
	return nil
}

// Watch replays the records already in the domain as Added events and then
// follows changes from the next revision until ctx ends. Malformed records
// are logged and skipped.
func Watch(ctx context.Context, cli *clientv3.Client, domain uint32, fn func(Event), logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("discovery")
	prefix := Prefix(domain)

	resp, err := cli.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return fmt.Errorf("bootstrap %s: %w", prefix, err)
	}
	for _, kv := range resp.Kvs {
		a, err := Unmarshal(kv.Value)
		if err != nil {
			logger.Warn("skipping malformed record", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		fn(Event{Type: Added, Announcement: a})
	}
	logger.Info("bootstrapped", zap.Int("endpoints", len(resp.Kvs)), zap.Int64("revision", resp.Header.Revision))

	wch := cli.Watch(ctx, prefix,
		clientv3.WithPrefix(), clientv3.WithRev(resp.Header.Revision+1), clientv3.WithPrevKV())
	for wresp := range wch {
		if err := wresp.Err(); err != nil {
			return fmt.Errorf("watch %s: %w", prefix, err)
		}
		for _, ev := range wresp.Events {
			e, err := Translate(domain, ev)
			if err != nil {
				logger.Warn("skipping malformed event", zap.ByteString("key", ev.Kv.Key), zap.Error(err))
				continue
			}
			fn(e)
		}
	}
	return ctx.Err()
}

// Translate maps one etcd watch event to a discovery event.
func Translate(domain uint32, ev *clientv3.Event) (Event, error) {
	switch ev.Type {
	case mvccpb.PUT:
		a, err := Unmarshal(ev.Kv.Value)
		if err != nil {
			return Event{}, err
		}
		return Event{Type: Added, Announcement: a}, nil
	case mvccpb.DELETE:
		if ev.PrevKv != nil {
			if a, err := Unmarshal(ev.PrevKv.Value); err == nil {
				return Event{Type: Removed, Announcement: a}, nil
			}
		}
		guid, err := guidFromKey(domain, string(ev.Kv.Key))
		if err != nil {
			return Event{}, err
		}
		return Event{Type: Removed, Announcement: Announcement{GUID: guid}}, nil
	}
	return Event{}, fmt.Errorf("unexpected event type %v", ev.Type)
}
