package cache

import (
	"context"
	"errors"
	"os"
	"reflect"
	"testing"

	"github.com/redis/go-redis/v9"
)

// Needs a live server, e.g. REDIS_ADDR=localhost:6379 go test ./cache
func TestRedisManager(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	ctx := context.Background()
	m := NewRedisManager(redis.NewClient(&redis.Options{Addr: addr}), "offline-cache-test:"+t.Name()+":")
	defer m.Close()
	defer func() {
		names, _ := m.Names(ctx)
		for _, name := range names {
			m.Delete(ctx, name)
		}
	}()

	if _, err := m.Lookup(ctx, "version-2"); !errors.Is(err, ErrStoreNotFound) {
		t.Fatalf("Lookup of missing store returned %v", err)
	}
	shell, err := m.Open(ctx, "version-2")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	assets, _ := m.Open(ctx, "assets-v1")
	if err := assets.Put(ctx, "k", []byte("asset")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	shell.Put(ctx, "k", []byte("shell"))

	if names, _ := m.Names(ctx); !reflect.DeepEqual(names, []string{"version-2", "assets-v1"}) {
		t.Fatalf("Names are %v", names)
	}
	if b, ok, _ := m.Match(ctx, "k"); !ok || string(b) != "shell" {
		t.Fatalf("Match returned %q %v", b, ok)
	}
	if deleted, err := m.Delete(ctx, "version-2"); err != nil || !deleted {
		t.Fatalf("Delete returned %v %v", deleted, err)
	}
	if b, ok, _ := m.Match(ctx, "k"); !ok || string(b) != "asset" {
		t.Fatalf("Match after delete returned %q %v", b, ok)
	}
}
