package snapshotcache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/jizhuozhi/expirement-system/pkg/catalog"
	"github.com/jizhuozhi/expirement-system/pkg/layer"
)

func newTestCache(t *testing.T) (*Cache, *redis.Client) {
	t.Helper()
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client, 0, zerolog.Nop()), client
}

func TestCache_LoadMissWhenEmpty(t *testing.T) {
	c, _ := newTestCache(t)
	snap, err := c.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if snap != nil {
		t.Fatalf("expected nil snapshot on empty cache, got %+v", snap)
	}
	if got := c.Stats().Misses; got != 1 {
		t.Fatalf("expected 1 miss, got %d", got)
	}
}

func TestCache_StoreThenLoadInMemory(t *testing.T) {
	c, _ := newTestCache(t)

	layers := []*layer.Layer{{LayerID: "checkout", Version: "v1", HashKey: "user_id", Enabled: true}}
	experiments := []catalog.ExperimentDef{{Eid: 1, Service: "checkout"}}

	c.Store(layers, experiments, time.Unix(1700000000, 0))

	snap, err := c.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if snap == nil {
		t.Fatal("expected non-nil snapshot after Store")
	}
	if len(snap.Layers) != 1 || snap.Layers[0].LayerID != "checkout" {
		t.Fatalf("unexpected layers in snapshot: %+v", snap.Layers)
	}
	if len(snap.Experiments) != 1 || snap.Experiments[0].Eid != 1 {
		t.Fatalf("unexpected experiments in snapshot: %+v", snap.Experiments)
	}
	if got := c.Stats().Hits; got != 1 {
		t.Fatalf("expected 1 hit, got %d", got)
	}
}

func TestCache_LoadFallsBackToRedisAcrossInstances(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()

	writer := New(client, 0, zerolog.Nop())
	layers := []*layer.Layer{{LayerID: "checkout", Version: "v1", HashKey: "user_id", Enabled: true}}
	experiments := []catalog.ExperimentDef{{Eid: 7, Service: "checkout"}}
	writer.Store(layers, experiments, time.Unix(1700000000, 0))

	// The async Redis persist needs a moment to land.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if writer.Stats().StoreErrs > 0 {
			t.Fatalf("unexpected store error")
		}
		if s.Exists(redisKey) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !s.Exists(redisKey) {
		t.Fatal("expected snapshot to be persisted to redis")
	}

	reader := New(client, 0, zerolog.Nop())
	snap, err := reader.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if snap == nil {
		t.Fatal("expected fresh instance to load snapshot from redis")
	}
	if len(snap.Experiments) != 1 || snap.Experiments[0].Eid != 7 {
		t.Fatalf("unexpected experiments loaded from redis: %+v", snap.Experiments)
	}
}
