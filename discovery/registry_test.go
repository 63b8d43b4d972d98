package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/buddhike/mandelfarm/canvas"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/api/v3/etcdserverpb"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
)

type mockKVS struct {
	mock.Mock
}

func (m *mockKVS) Get(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error) {
	args := m.Called(ctx, key, opts)
	return args.Get(0).(*clientv3.GetResponse), args.Error(1)
}

func (m *mockKVS) Put(ctx context.Context, key, value string, opts ...clientv3.OpOption) (*clientv3.PutResponse, error) {
	args := m.Called(ctx, key, value, opts)
	return args.Get(0).(*clientv3.PutResponse), args.Error(1)
}

func (m *mockKVS) Delete(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.DeleteResponse, error) {
	args := m.Called(ctx, key, opts)
	return args.Get(0).(*clientv3.DeleteResponse), args.Error(1)
}

func (m *mockKVS) Txn(ctx context.Context) clientv3.Txn {
	args := m.Called(ctx)
	return args.Get(0).(clientv3.Txn)
}

func (m *mockKVS) Watch(ctx context.Context, key string, opts ...clientv3.OpOption) clientv3.WatchChan {
	args := m.Called(ctx, key, opts)
	return args.Get(0).(clientv3.WatchChan)
}

type mockTxn struct {
	mock.Mock
	thenOps []clientv3.Op
}

func (t *mockTxn) If(cs ...clientv3.Cmp) clientv3.Txn {
	return t
}

func (t *mockTxn) Then(ops ...clientv3.Op) clientv3.Txn {
	t.thenOps = ops
	return t
}

func (t *mockTxn) Else(ops ...clientv3.Op) clientv3.Txn {
	return t
}

func (t *mockTxn) Commit() (*clientv3.TxnResponse, error) {
	args := t.Called()
	return args.Get(0).(*clientv3.TxnResponse), args.Error(1)
}

func testRecord() Record {
	return Record{
		CoordinatorID: "c-1",
		URL:           "http://10.0.0.1:13001",
		Workers:       3,
		Canvas:        canvas.Default(),
		PublishedAt:   time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func encoded(t *testing.T, rec Record) []byte {
	t.Helper()
	b, err := json.Marshal(rec)
	require.NoError(t, err)
	return b
}

func TestPublishStoresRecordUnderRunKey(t *testing.T) {
	txn := &mockTxn{}
	txn.On("Commit").Return(&clientv3.TxnResponse{Succeeded: true}, nil)
	kvs := &mockKVS{}
	kvs.On("Txn", mock.Anything).Return(txn)

	r := NewRegistry(kvs, "zoom1")
	require.NoError(t, r.Publish(context.Background(), testRecord()))

	assert.Equal(t, "/mandelfarm/zoom1/coordinator", r.Key())
	require.Len(t, txn.thenOps, 1)
	assert.True(t, txn.thenOps[0].IsPut())
	assert.Equal(t, r.Key(), string(txn.thenOps[0].KeyBytes()))
	assert.JSONEq(t, string(encoded(t, testRecord())), string(txn.thenOps[0].ValueBytes()))
}

func TestPublishFailsWhenRunHasCoordinator(t *testing.T) {
	txn := &mockTxn{}
	txn.On("Commit").Return(&clientv3.TxnResponse{Succeeded: false}, nil)
	kvs := &mockKVS{}
	kvs.On("Txn", mock.Anything).Return(txn)

	err := NewRegistry(kvs, "zoom1").Publish(context.Background(), testRecord())
	assert.ErrorIs(t, err, ErrAlreadyPublished)
}

func TestPublishReturnsCommitErrors(t *testing.T) {
	boom := errors.New("etcdserver: request timed out")
	txn := &mockTxn{}
	txn.On("Commit").Return((*clientv3.TxnResponse)(nil), boom)
	kvs := &mockKVS{}
	kvs.On("Txn", mock.Anything).Return(txn)

	err := NewRegistry(kvs, "zoom1").Publish(context.Background(), testRecord())
	assert.ErrorIs(t, err, boom)
}

func TestResolveReturnsPublishedRecord(t *testing.T) {
	kvs := &mockKVS{}
	kvs.On("Get", mock.Anything, "/mandelfarm/zoom1/coordinator", mock.Anything).Return(&clientv3.GetResponse{
		Kvs: []*mvccpb.KeyValue{{Key: []byte("/mandelfarm/zoom1/coordinator"), Value: encoded(t, testRecord())}},
	}, nil)

	rec, err := NewRegistry(kvs, "zoom1").Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, testRecord(), rec)
	kvs.AssertNotCalled(t, "Watch", mock.Anything, mock.Anything, mock.Anything)
}

func TestResolveWaitsForPublish(t *testing.T) {
	wch := make(chan clientv3.WatchResponse, 2)
	wch <- clientv3.WatchResponse{Events: []*clientv3.Event{{Type: mvccpb.DELETE, Kv: &mvccpb.KeyValue{}}}}
	wch <- clientv3.WatchResponse{Events: []*clientv3.Event{{Type: mvccpb.PUT, Kv: &mvccpb.KeyValue{Value: encoded(t, testRecord())}}}}

	kvs := &mockKVS{}
	kvs.On("Get", mock.Anything, mock.Anything, mock.Anything).Return(&clientv3.GetResponse{
		Header: &etcdserverpb.ResponseHeader{Revision: 41},
	}, nil)
	kvs.On("Watch", mock.Anything, "/mandelfarm/zoom1/coordinator", mock.Anything).Return(clientv3.WatchChan(wch))

	rec, err := NewRegistry(kvs, "zoom1").Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, testRecord().URL, rec.URL)
	kvs.AssertExpectations(t)
}

func TestResolveWatchClosed(t *testing.T) {
	wch := make(chan clientv3.WatchResponse)
	close(wch)

	kvs := &mockKVS{}
	kvs.On("Get", mock.Anything, mock.Anything, mock.Anything).Return(&clientv3.GetResponse{}, nil)
	kvs.On("Watch", mock.Anything, mock.Anything, mock.Anything).Return(clientv3.WatchChan(wch))

	_, err := NewRegistry(kvs, "zoom1").Resolve(context.Background())
	assert.ErrorIs(t, err, ErrWatchClosed)
}

func TestResolveRejectsCorruptRecord(t *testing.T) {
	kvs := &mockKVS{}
	kvs.On("Get", mock.Anything, mock.Anything, mock.Anything).Return(&clientv3.GetResponse{
		Kvs: []*mvccpb.KeyValue{{Value: []byte("{not json")}},
	}, nil)

	_, err := NewRegistry(kvs, "zoom1").Resolve(context.Background())
	assert.Error(t, err)
}

func TestWithdrawDeletesKey(t *testing.T) {
	kvs := &mockKVS{}
	kvs.On("Delete", mock.Anything, "/mandelfarm/zoom1/coordinator", mock.Anything).Return(&clientv3.DeleteResponse{}, nil)

	require.NoError(t, NewRegistry(kvs, "zoom1").Withdraw(context.Background()))
	kvs.AssertExpectations(t)
}
