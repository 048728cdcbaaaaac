package storage

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"prism-board/domain"
	"prism-board/ordering"
)

type countingStore struct {
	Store
	snapshots int
	// afterRead runs once, between reading a snapshot and returning it.
	afterRead func()
}

func (c *countingStore) Snapshot(ctx context.Context, boardID string) (domain.Board, error) {
	c.snapshots++
	b, err := c.Store.Snapshot(ctx, boardID)
	if hook := c.afterRead; hook != nil {
		c.afterRead = nil
		hook()
	}
	return b, err
}

func newTestCache(t *testing.T) (*Cache, *countingStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	base := &countingStore{Store: openTestSQLite(t)}
	seedBoard(t, base)
	return NewCache(base, client, time.Minute), base, mr
}

func TestCacheSnapshotMissThenHit(t *testing.T) {
	cache, base, mr := newTestCache(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		b, err := cache.Snapshot(ctx, "b1")
		if err != nil {
			t.Fatalf("snapshot: %v", err)
		}
		if len(b.Lists) != 2 || len(b.Lists[0].Tasks) != 2 {
			t.Fatalf("unexpected snapshot %+v", b)
		}
	}
	if base.snapshots != 1 {
		t.Fatalf("expected 1 call to backend, got %d", base.snapshots)
	}
	if ttl := mr.TTL(snapshotCacheKey("b1")); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("unexpected TTL: %v", ttl)
	}
}

func TestCacheEvictsAfterCommit(t *testing.T) {
	cache, base, mr := newTestCache(t)
	ctx := context.Background()

	if _, err := cache.Snapshot(ctx, "b1"); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	err := cache.InTx(ctx, func(tx Tx) error {
		return tx.SetTaskOrders(ctx, "b1", "L1", []ordering.Assignment{{ID: "T2", Order: 0}, {ID: "T1", Order: 1}})
	})
	if err != nil {
		t.Fatalf("reorder: %v", err)
	}
	if mr.Exists(snapshotCacheKey("b1")) {
		t.Fatal("expected snapshot evicted")
	}

	b, err := cache.Snapshot(ctx, "b1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if b.Lists[0].Tasks[0].ID != "T2" {
		t.Fatalf("expected fresh order, got %+v", b.Lists[0].Tasks)
	}
	if base.snapshots != 2 {
		t.Fatalf("expected 2 calls to backend, got %d", base.snapshots)
	}
}

func TestCacheSkipsSnapshotReadBeforeCommit(t *testing.T) {
	cache, base, mr := newTestCache(t)
	ctx := context.Background()

	base.afterRead = func() {
		err := cache.InTx(ctx, func(tx Tx) error {
			return tx.SetTaskOrders(ctx, "b1", "L1", []ordering.Assignment{{ID: "T2", Order: 0}, {ID: "T1", Order: 1}})
		})
		if err != nil {
			t.Fatalf("reorder: %v", err)
		}
	}
	stale, err := cache.Snapshot(ctx, "b1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if stale.Lists[0].Tasks[0].ID != "T1" {
		t.Fatalf("expected the pre-commit read, got %+v", stale.Lists[0].Tasks)
	}
	if mr.Exists(snapshotCacheKey("b1")) {
		t.Fatal("snapshot read before a commit must not be cached")
	}

	for i := 0; i < 2; i++ {
		b, err := cache.Snapshot(ctx, "b1")
		if err != nil {
			t.Fatalf("snapshot: %v", err)
		}
		if b.Lists[0].Tasks[0].ID != "T2" {
			t.Fatalf("expected committed order, got %+v", b.Lists[0].Tasks)
		}
	}
	if base.snapshots != 2 {
		t.Fatalf("expected 2 calls to backend, got %d", base.snapshots)
	}
}

func TestCacheDropsCorruptEntry(t *testing.T) {
	cache, base, mr := newTestCache(t)
	if err := mr.Set(snapshotCacheKey("b1"), "{not json"); err != nil {
		t.Fatalf("seed cache: %v", err)
	}
	if _, err := cache.Snapshot(context.Background(), "b1"); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if base.snapshots != 1 {
		t.Fatalf("expected fallback to backend, got %d calls", base.snapshots)
	}
}

func TestCacheZeroTTLSkipsStore(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	base := &countingStore{Store: openTestSQLite(t)}
	seedBoard(t, base)
	cache := NewCache(base, client, 0)
	if _, err := cache.Snapshot(context.Background(), "b1"); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if mr.Exists(snapshotCacheKey("b1")) {
		t.Fatal("zero TTL must not populate the cache")
	}
}
