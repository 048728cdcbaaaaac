package storage

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"prism-board/domain"
	"prism-board/ordering"
)

// Cache wraps a Store with a Redis cache of board snapshots. Boards written
// by a committed transaction are evicted before InTx returns. Each commit
// also bumps a per-board version; a snapshot read from the base store is only
// cached while the version it was read under is still current.
type Cache struct {
	base  Store
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching wrapper using the provided Redis client and TTL.
func NewCache(base Store, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base storage is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{base: base, redis: client, ttl: ttl}
}

func (c *Cache) Snapshot(ctx context.Context, boardID string) (domain.Board, error) {
	if b, ok := c.load(ctx, boardID); ok {
		return b, nil
	}
	version, versioned := c.version(ctx, boardID)
	b, err := c.base.Snapshot(ctx, boardID)
	if err != nil {
		return domain.Board{}, err
	}
	if versioned {
		c.store(ctx, b, version)
	}
	return b, nil
}

func (c *Cache) InTx(ctx context.Context, fn func(Tx) error) error {
	touched := map[string]struct{}{}
	err := c.base.InTx(ctx, func(tx Tx) error {
		return fn(&touchingTx{Tx: tx, touched: touched})
	})
	if err != nil {
		return err
	}
	for id := range touched {
		c.evict(ctx, id)
	}
	return nil
}

func (c *Cache) load(ctx context.Context, boardID string) (domain.Board, bool) {
	if c.redis == nil {
		return domain.Board{}, false
	}
	data, err := c.redis.Get(ctx, snapshotCacheKey(boardID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing storage without failing.
			_ = c.redis.Del(ctx, snapshotCacheKey(boardID)).Err()
		}
		return domain.Board{}, false
	}
	var b domain.Board
	if err := sonic.Unmarshal(data, &b); err != nil {
		_ = c.redis.Del(ctx, snapshotCacheKey(boardID)).Err()
		return domain.Board{}, false
	}
	return b, true
}

// version reads the board's commit counter. ok is false when Redis cannot
// answer, in which case the snapshot is not cached.
func (c *Cache) version(ctx context.Context, boardID string) (int64, bool) {
	if c.redis == nil || c.ttl == 0 {
		return 0, false
	}
	v, err := c.redis.Get(ctx, versionKey(boardID)).Int64()
	switch {
	case err == redis.Nil:
		return 0, true
	case err != nil:
		return 0, false
	}
	return v, true
}

// store caches b unless a commit bumped the board's version after it was read.
func (c *Cache) store(ctx context.Context, b domain.Board, readAt int64) {
	data, err := sonic.Marshal(b)
	if err != nil {
		return
	}
	key := versionKey(b.ID)
	_ = c.redis.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Int64()
		if err != nil && err != redis.Nil {
			return err
		}
		if current != readAt {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, snapshotCacheKey(b.ID), data, c.ttl)
			return nil
		})
		return err
	}, key)
}

// evict bumps the version before dropping the snapshot so an in-flight read
// of the old state can no longer be stored.
func (c *Cache) evict(ctx context.Context, boardID string) {
	if c.redis == nil {
		return
	}
	_, _ = c.redis.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Incr(ctx, versionKey(boardID))
		p.Del(ctx, snapshotCacheKey(boardID))
		return nil
	})
}

func snapshotCacheKey(boardID string) string {
	return "board:" + boardID + ":snapshot"
}

func versionKey(boardID string) string {
	return "board:" + boardID + ":version"
}

// touchingTx records the boards written through it.
type touchingTx struct {
	Tx
	touched map[string]struct{}
}

func (t *touchingTx) touch(boardID string) { t.touched[boardID] = struct{}{} }

func (t *touchingTx) PutBoard(ctx context.Context, b domain.Board) error {
	t.touch(b.ID)
	return t.Tx.PutBoard(ctx, b)
}

func (t *touchingTx) PutList(ctx context.Context, l domain.List) error {
	t.touch(l.BoardID)
	return t.Tx.PutList(ctx, l)
}

func (t *touchingTx) PutTask(ctx context.Context, task domain.Task) error {
	t.touch(task.BoardID)
	return t.Tx.PutTask(ctx, task)
}

func (t *touchingTx) DeleteList(ctx context.Context, l domain.List) error {
	t.touch(l.BoardID)
	return t.Tx.DeleteList(ctx, l)
}

func (t *touchingTx) DeleteTask(ctx context.Context, task domain.Task) error {
	t.touch(task.BoardID)
	return t.Tx.DeleteTask(ctx, task)
}

func (t *touchingTx) SetListOrders(ctx context.Context, boardID string, orders []ordering.Assignment) error {
	t.touch(boardID)
	return t.Tx.SetListOrders(ctx, boardID, orders)
}

func (t *touchingTx) SetTaskOrders(ctx context.Context, boardID, listID string, orders []ordering.Assignment) error {
	t.touch(boardID)
	return t.Tx.SetTaskOrders(ctx, boardID, listID, orders)
}
