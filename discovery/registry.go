package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/buddhike/mandelfarm/canvas"
	clientv3 "go.etcd.io/etcd/client/v3"
)

var (
	ErrAlreadyPublished = errors.New("run already has a coordinator")
	ErrWatchClosed      = errors.New("watch closed before coordinator was published")
)

// Record is what a coordinator publishes for its workers.
type Record struct {
	CoordinatorID string
	URL           string
	Workers       int
	Canvas        canvas.Canvas
	PublishedAt   time.Time
}

// Registry maps a run name to its coordinator. A run has at most one
// published coordinator at a time.
type Registry struct {
	kvs KVS
	run string
}

func NewRegistry(kvs KVS, run string) *Registry {
	return &Registry{kvs: kvs, run: run}
}

func (r *Registry) Key() string {
	return fmt.Sprintf("/mandelfarm/%s/coordinator", r.run)
}

// Publish stores rec unless another coordinator already holds the run. opts
// are applied to the put, typically clientv3.WithLease.
func (r *Registry) Publish(ctx context.Context, rec Record, opts ...clientv3.OpOption) error {
	val, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	key := r.Key()
	resp, err := r.kvs.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, string(val), opts...)).
		Commit()
	if err != nil {
		return fmt.Errorf("failed to publish coordinator for run %s: %w", r.run, err)
	}
	if !resp.Succeeded {
		return fmt.Errorf("%w: %s", ErrAlreadyPublished, r.run)
	}
	return nil
}

// Withdraw removes the published record.
func (r *Registry) Withdraw(ctx context.Context) error {
	_, err := r.kvs.Delete(ctx, r.Key())
	return err
}

// Resolve returns the published record, waiting for a coordinator to
// publish one if the run has none yet.
func (r *Registry) Resolve(ctx context.Context) (Record, error) {
	key := r.Key()
	resp, err := r.kvs.Get(ctx, key)
	if err != nil {
		return Record{}, err
	}
	if len(resp.Kvs) > 0 {
		return decode(resp.Kvs[0].Value)
	}

	opts := []clientv3.OpOption{}
	if resp.Header != nil {
		opts = append(opts, clientv3.WithRev(resp.Header.Revision+1))
	}
	wch := r.kvs.Watch(ctx, key, opts...)
	for wr := range wch {
		if err := wr.Err(); err != nil {
			return Record{}, err
		}
		for _, ev := range wr.Events {
			if ev.Type == clientv3.EventTypePut {
				return decode(ev.Kv.Value)
			}
		}
	}

	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	return Record{}, ErrWatchClosed
}

func decode(val []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(val, &rec); err != nil {
		return Record{}, fmt.Errorf("invalid coordinator record: %w", err)
	}
	return rec, nil
}
