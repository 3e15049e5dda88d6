package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/go-logr/logr"
	"go.etcd.io/etcd/api/v3/mvccpb"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// Etcd implements Backend on an etcd v3 cluster. Versions are etcd
// ModRevisions rendered as decimal strings; CompareAndSwap is a single Txn
// so the check and the write commit atomically on the server.
type Etcd struct {
	client *clientv3.Client
	log    logr.Logger
}

// NewEtcd wraps an established etcd client.
func NewEtcd(client *clientv3.Client, log logr.Logger) *Etcd {
	return &Etcd{client: client, log: log.WithName("etcd")}
}

func formatRev(rev int64) string {
	return strconv.FormatInt(rev, 10)
}

func parseRev(version string) (int64, error) {
	rev, err := strconv.ParseInt(version, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed version token %q: %w", version, err)
	}
	return rev, nil
}

func (e *Etcd) Exists(ctx context.Context, key string) (bool, error) {
	resp, err := e.client.Get(ctx, key, clientv3.WithCountOnly())
	if err != nil {
		return false, err
	}
	return resp.Count > 0, nil
}

func (e *Etcd) Get(ctx context.Context, key string) (KeyValue, error) {
	resp, err := e.client.Get(ctx, key)
	if err != nil {
		return KeyValue{}, err
	}
	if len(resp.Kvs) == 0 {
		return KeyValue{}, fmt.Errorf("get %s: %w", key, ErrNotFound)
	}
	kv := resp.Kvs[0]
	return KeyValue{Key: key, Value: kv.Value, Version: formatRev(kv.ModRevision)}, nil
}

func (e *Etcd) Put(ctx context.Context, key string, value []byte) (string, error) {
	resp, err := e.client.Put(ctx, key, string(value))
	if err != nil {
		return "", err
	}
	return formatRev(resp.Header.Revision), nil
}

func (e *Etcd) Delete(ctx context.Context, key string) (bool, error) {
	resp, err := e.client.Delete(ctx, key)
	if err != nil {
		return false, err
	}
	return resp.Deleted > 0, nil
}

func (e *Etcd) ListPrefix(ctx context.Context, prefix string) ([]KeyValue, string, error) {
	resp, err := e.client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, "", err
	}
	out := make([]KeyValue, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		out = append(out, KeyValue{Key: string(kv.Key), Value: kv.Value, Version: formatRev(kv.ModRevision)})
	}
	return out, formatRev(resp.Header.Revision), nil
}

func (e *Etcd) CompareAndSwap(ctx context.Context, key, expectedVersion string, value []byte) (KeyValue, error) {
	if expectedVersion == "" {
		resp, err := e.client.Txn(ctx).
			If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
			Then(clientv3.OpPut(key, string(value))).
			Commit()
		if err != nil {
			return KeyValue{}, err
		}
		if !resp.Succeeded {
			return KeyValue{}, fmt.Errorf("create %s: %w", key, ErrAlreadyExists)
		}
		return KeyValue{Key: key, Value: value, Version: formatRev(resp.Header.Revision)}, nil
	}

	rev, err := parseRev(expectedVersion)
	if err != nil {
		return KeyValue{}, err
	}
	resp, err := e.client.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(key), "=", rev)).
		Then(clientv3.OpPut(key, string(value))).
		Else(clientv3.OpGet(key, clientv3.WithCountOnly())).
		Commit()
	if err != nil {
		return KeyValue{}, err
	}
	if !resp.Succeeded {
		if resp.Responses[0].GetResponseRange().Count == 0 {
			return KeyValue{}, fmt.Errorf("swap %s: %w", key, ErrNotFound)
		}
		return KeyValue{}, fmt.Errorf("swap %s at %s: %w", key, expectedVersion, ErrVersionConflict)
	}
	return KeyValue{Key: key, Value: value, Version: formatRev(resp.Header.Revision)}, nil
}

func (e *Etcd) Watch(ctx context.Context, prefix, fromVersion string) (*WatchStream, error) {
	opts := []clientv3.OpOption{clientv3.WithPrefix()}
	if fromVersion != "" {
		rev, err := parseRev(fromVersion)
		if err != nil {
			return nil, err
		}
		// Resume is exclusive of the bookmarked revision.
		opts = append(opts, clientv3.WithRev(rev+1))
	}

	wctx, cancel := context.WithCancel(ctx)
	wch := e.client.Watch(clientv3.WithRequireLeader(wctx), prefix, opts...)

	out := make(chan Event)
	var streamErr error
	go func() {
		defer close(out)
		for resp := range wch {
			if err := resp.Err(); err != nil {
				if errors.Is(err, rpctypes.ErrCompacted) {
					streamErr = fmt.Errorf("watch %s from %s: %w", prefix, fromVersion, ErrWatchExpired)
				} else {
					streamErr = err
				}
				return
			}
			for _, ev := range resp.Events {
				evt := Event{
					Key:     string(ev.Kv.Key),
					Version: formatRev(ev.Kv.ModRevision),
				}
				if ev.Type == mvccpb.DELETE {
					evt.Type = EventDelete
				} else {
					evt.Type = EventPut
					evt.Value = ev.Kv.Value
				}
				select {
				case out <- evt:
				case <-wctx.Done():
					return
				}
			}
		}
	}()

	e.log.V(1).Info("watch opened", "prefix", prefix, "fromVersion", fromVersion)
	return NewWatchStream(out, cancel, func() error { return streamErr }), nil
}
