package sink

import (
	"context"
	"errors"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"stakeflow/internal/consts"
	"stakeflow/internal/model"
	"stakeflow/pkg/logger"
)

type snapshotStore interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	MGet(ctx context.Context, keys ...string) *redis.SliceCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// SnapshotCache 在redis中保存每条链最新的仓位，重启后先展示缓存再对账
type SnapshotCache struct {
	client snapshotStore
	ttl    time.Duration
}

func NewSnapshotCache(client snapshotStore, ttl time.Duration) *SnapshotCache {
	return &SnapshotCache{client: client, ttl: ttl}
}

func snapshotKey(chainID model.ChainID) string {
	return consts.PositionSnapshotPrefix + string(chainID)
}

func (c *SnapshotCache) Name() string { return "snapshot" }

func (c *SnapshotCache) Handle(ctx context.Context, ev model.StatusEvent) error {
	if ev.Position == nil {
		return nil
	}
	// 只缓存对过账的数据，进行中的操作不缓存
	if ev.Event != model.EventReconciled && !ev.Event.Terminal() {
		return nil
	}
	return c.Save(ctx, *ev.Position)
}

func (c *SnapshotCache) Save(ctx context.Context, pos model.Position) error {
	if pos.Holder == "" {
		return c.client.Del(ctx, snapshotKey(pos.ChainID)).Err()
	}
	snap := pos.Clone()
	snap.PendingOp = nil
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, snapshotKey(pos.ChainID), data, c.ttl).Err()
}

func (c *SnapshotCache) Delete(ctx context.Context, chainID model.ChainID) error {
	return c.client.Del(ctx, snapshotKey(chainID)).Err()
}

// LoadAll 读取缓存的快照，损坏的记录跳过
func (c *SnapshotCache) LoadAll(ctx context.Context, chains ...model.ChainID) ([]model.Position, error) {
	if len(chains) == 0 {
		return nil, nil
	}
	keys := make([]string, 0, len(chains))
	for _, id := range chains {
		keys = append(keys, snapshotKey(id))
	}
	vals, err := c.client.MGet(ctx, keys...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	var out []model.Position
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var pos model.Position
		if err := json.Unmarshal([]byte(s), &pos); err != nil {
			logger.Warnf("[SnapshotCache] skip broken snapshot %s: %v", keys[i], err)
			continue
		}
		out = append(out, pos)
	}
	return out, nil
}
