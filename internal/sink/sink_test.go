package sink

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"stakeflow/internal/model"
)

type memSink struct {
	mu     sync.Mutex
	events []model.StatusEvent
	block  chan struct{}
	// 前几次调用返回错误
	failures int
}

func (s *memSink) Name() string { return "mem" }

func (s *memSink) Handle(ctx context.Context, ev model.StatusEvent) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return errors.New("transient")
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *memSink) received() []model.StatusEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.StatusEvent(nil), s.events...)
}

func TestAsync_DeliversInOrderAndDrains(t *testing.T) {
	s := &memSink{failures: 1}
	a := NewAsync(s, 16, time.Second)
	a.Publish(model.StatusEvent{Event: model.EventSubmitted})
	a.Publish(model.StatusEvent{Event: model.EventConfirmed})
	require.NoError(t, a.Close(context.Background()))

	got := s.received()
	require.Len(t, got, 2)
	require.Equal(t, model.EventSubmitted, got[0].Event)
	require.Equal(t, model.EventConfirmed, got[1].Event)

	// 关闭后不再接收
	a.Publish(model.StatusEvent{Event: model.EventFailed})
	require.NoError(t, a.Close(context.Background()))
	require.Len(t, s.received(), 2)
}

func TestAsync_DropsWhenFull(t *testing.T) {
	s := &memSink{block: make(chan struct{})}
	a := NewAsync(s, 1, time.Second)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			a.Publish(model.StatusEvent{Event: model.EventReconciled})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow sink")
	}
	require.Positive(t, a.Dropped())

	close(s.block)
	require.NoError(t, a.Close(context.Background()))
}

type fakeJournal struct {
	created  []*model.OperationRecord
	finished map[string]model.OperationStatus
	snapshot datatypes.JSON
	errMsg   string
}

func (f *fakeJournal) Create(ctx context.Context, record *model.OperationRecord) error {
	f.created = append(f.created, record)
	return nil
}

func (f *fakeJournal) Finish(ctx context.Context, operationID string, status model.OperationStatus, txID, errMsg string, snapshot datatypes.JSON, at time.Time) error {
	if f.finished == nil {
		f.finished = map[string]model.OperationStatus{}
	}
	f.finished[operationID] = status
	f.snapshot = snapshot
	f.errMsg = errMsg
	return nil
}

func TestJournal_RecordsLifecycle(t *testing.T) {
	store := &fakeJournal{}
	j := NewJournal(store)
	ctx := context.Background()
	op := &model.PendingOp{ID: "op-1", Kind: model.Stake, Amount: decimal.RequireFromString("0.5"), SubmittedAt: time.Now()}

	require.NoError(t, j.Handle(ctx, model.StatusEvent{
		ChainID:     model.ChainEthereum,
		OperationID: "op-1",
		Event:       model.EventSubmitted,
		Position:    &model.Position{ChainID: model.ChainEthereum, Holder: "0xabc", PendingOp: op},
	}))
	require.Len(t, store.created, 1)
	require.Equal(t, "0xabc", store.created[0].Holder)
	require.Equal(t, model.OperationPending, store.created[0].Status)
	require.True(t, store.created[0].Amount.Equal(op.Amount))

	require.NoError(t, j.Handle(ctx, model.StatusEvent{
		ChainID:     model.ChainEthereum,
		OperationID: "op-1",
		Event:       model.EventFailed,
		ErrMessage:  "reverted",
		Position:    &model.Position{ChainID: model.ChainEthereum, Holder: "0xabc"},
	}))
	require.Equal(t, model.OperationFailed, store.finished["op-1"])
	require.Equal(t, "reverted", store.errMsg)
	require.Contains(t, string(store.snapshot), `"holder":"0xabc"`)

	// 对账事件不写流水
	require.NoError(t, j.Handle(ctx, model.StatusEvent{Event: model.EventReconciled}))
	require.Len(t, store.created, 1)
}

type fakeRedis struct {
	data map[string]string
	ttl  map[string]time.Duration
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{data: map[string]string{}, ttl: map[string]time.Duration{}}
}

func (f *fakeRedis) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	switch v := value.(type) {
	case []byte:
		f.data[key] = string(v)
	case string:
		f.data[key] = v
	}
	f.ttl[key] = expiration
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) MGet(ctx context.Context, keys ...string) *redis.SliceCmd {
	vals := make([]interface{}, len(keys))
	for i, k := range keys {
		if v, ok := f.data[k]; ok {
			vals[i] = v
		}
	}
	return redis.NewSliceResult(vals, nil)
}

func (f *fakeRedis) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	var n int64
	for _, k := range keys {
		if _, ok := f.data[k]; ok {
			delete(f.data, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func TestSnapshotCache_SaveAndLoad(t *testing.T) {
	rdb := newFakeRedis()
	c := NewSnapshotCache(rdb, time.Hour)
	ctx := context.Background()
	now := time.Now().Truncate(time.Second)

	pos := model.Position{
		ChainID:          model.ChainSolana,
		Kind:             model.TokenBased,
		Holder:           "holder",
		StakedAmount:     decimal.RequireFromString("2.5"),
		DerivedBalance:   decimal.RequireFromString("2"),
		PendingOp:        &model.PendingOp{ID: "x"},
		LastReconciledAt: &now,
	}
	// 提交事件不缓存
	require.NoError(t, c.Handle(ctx, model.StatusEvent{Event: model.EventSubmitted, Position: &pos}))
	require.Empty(t, rdb.data)

	require.NoError(t, c.Handle(ctx, model.StatusEvent{Event: model.EventReconciled, Position: &pos}))
	require.Equal(t, time.Hour, rdb.ttl["stakeflow:position:solana"])
	rdb.data["stakeflow:position:ethereum"] = "{broken"

	list, err := c.LoadAll(ctx, model.ChainEthereum, model.ChainSolana)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "holder", list[0].Holder)
	require.Nil(t, list[0].PendingOp)
	require.True(t, list[0].StakedAmount.Equal(pos.StakedAmount))

	// 断开钱包后删除缓存
	require.NoError(t, c.Save(ctx, model.Position{ChainID: model.ChainSolana}))
	list, err = c.LoadAll(ctx, model.ChainSolana)
	require.NoError(t, err)
	require.Empty(t, list)
}

type fakeProducer struct {
	keys [][]byte
	msgs []any
}

func (f *fakeProducer) Produce(ctx context.Context, key []byte, msg any) error {
	f.keys = append(f.keys, key)
	f.msgs = append(f.msgs, msg)
	return nil
}

func TestPublisher_KeysByChain(t *testing.T) {
	p := &fakeProducer{}
	require.NoError(t, NewPublisher(p).Handle(context.Background(), model.StatusEvent{ChainID: model.ChainEthereum, Event: model.EventConfirmed, TxID: "0x1"}))
	require.Equal(t, []byte("ethereum"), p.keys[0])

	data, err := json.Marshal(p.msgs[0])
	require.NoError(t, err)
	require.Contains(t, string(data), `"tx_id":"0x1"`)
}

type fakeWriter struct{ records []any }

func (f *fakeWriter) Record(result any) error {
	f.records = append(f.records, result)
	return nil
}

func TestRecorder(t *testing.T) {
	w := &fakeWriter{}
	require.NoError(t, NewRecorder(w).Handle(context.Background(), model.StatusEvent{Event: model.EventReconciled}))
	require.Len(t, w.records, 1)
}
