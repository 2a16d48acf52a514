package cache

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"
)

func testManagers(t *testing.T) map[string]StoreManager {
	sqlite, err := NewSQLiteManager(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("Could not open sqlite: %v", err)
	}
	hot, err := NewHotManager(NewMemoryManager(), 1<<20)
	if err != nil {
		t.Fatalf("Could not create hot cache: %v", err)
	}
	managers := map[string]StoreManager{
		"memory": NewMemoryManager(),
		"sqlite": sqlite,
		"hot":    hot,
	}
	t.Cleanup(func() {
		for _, m := range managers {
			m.Close()
		}
	})
	return managers
}

func TestOpenIsIdempotent(t *testing.T) {
	ctx := context.Background()
	for name, m := range testManagers(t) {
		t.Run(name, func(t *testing.T) {
			s, _ := m.Open(ctx, "shell-v1")
			if err := s.Put(ctx, "GET:http://localhost/", []byte("page")); err != nil {
				t.Fatalf("Put: %v", err)
			}
			s, _ = m.Open(ctx, "shell-v1")
			b, ok, err := s.Get(ctx, "GET:http://localhost/")
			if err != nil || !ok || string(b) != "page" {
				t.Fatalf("Got %q %v %v after reopening", b, ok, err)
			}
			names, _ := m.Names(ctx)
			if !reflect.DeepEqual(names, []string{"shell-v1"}) {
				t.Fatalf("Names are %v", names)
			}
		})
	}
}

func TestLookupDoesNotCreate(t *testing.T) {
	ctx := context.Background()
	for name, m := range testManagers(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := m.Lookup(ctx, "version-1"); !errors.Is(err, ErrStoreNotFound) {
				t.Fatalf("Lookup of missing store returned %v", err)
			}
			if names, _ := m.Names(ctx); len(names) != 0 {
				t.Fatalf("Lookup created %v", names)
			}
			opened, _ := m.Open(ctx, "version-1")
			opened.Put(ctx, "k", []byte("page"))
			s, err := m.Lookup(ctx, "version-1")
			if err != nil {
				t.Fatalf("Lookup: %v", err)
			}
			if b, ok, _ := s.Get(ctx, "k"); !ok || string(b) != "page" {
				t.Fatalf("Got %q %v", b, ok)
			}
		})
	}
}

func TestPutReplacesWholesale(t *testing.T) {
	ctx := context.Background()
	for name, m := range testManagers(t) {
		t.Run(name, func(t *testing.T) {
			s, _ := m.Open(ctx, "assets-v1")
			s.Put(ctx, "k", []byte("first version"))
			s.Put(ctx, "k", []byte("v2"))
			if b, _, _ := s.Get(ctx, "k"); string(b) != "v2" {
				t.Fatalf("Value is %q", b)
			}
			keys, _ := s.Keys(ctx)
			if !reflect.DeepEqual(keys, []string{"k"}) {
				t.Fatalf("Keys are %v", keys)
			}
		})
	}
}

func TestDeleteRemovesStoreAndEntries(t *testing.T) {
	ctx := context.Background()
	for name, m := range testManagers(t) {
		t.Run(name, func(t *testing.T) {
			old, _ := m.Open(ctx, "version-1")
			old.Put(ctx, "k", []byte("old"))
			current, _ := m.Open(ctx, "version-2")
			current.Put(ctx, "other", []byte("kept"))

			if deleted, err := m.Delete(ctx, "version-1"); err != nil || !deleted {
				t.Fatalf("Delete returned %v %v", deleted, err)
			}
			if deleted, _ := m.Delete(ctx, "version-1"); deleted {
				t.Fatal("Second delete reported a deletion")
			}
			if err := old.Put(ctx, "k", []byte("again")); !errors.Is(err, ErrStoreNotFound) {
				t.Fatalf("Put to deleted store returned %v", err)
			}
			names, _ := m.Names(ctx)
			if !reflect.DeepEqual(names, []string{"version-2"}) {
				t.Fatalf("Names are %v", names)
			}
			reopened, _ := m.Open(ctx, "version-1")
			if _, ok, _ := reopened.Get(ctx, "k"); ok {
				t.Fatal("Entry survived store deletion")
			}
			if b, ok, _ := current.Get(ctx, "other"); !ok || string(b) != "kept" {
				t.Fatalf("Current store entry is %q", b)
			}
		})
	}
}

func TestMatchUsesCreationOrder(t *testing.T) {
	ctx := context.Background()
	for name, m := range testManagers(t) {
		t.Run(name, func(t *testing.T) {
			first, _ := m.Open(ctx, "version-2")
			second, _ := m.Open(ctx, "assets-v1")
			second.Put(ctx, "k", []byte("from assets"))
			if b, ok, _ := m.Match(ctx, "k"); !ok || string(b) != "from assets" {
				t.Fatalf("Match returned %q %v", b, ok)
			}
			first.Put(ctx, "k", []byte("from shell"))
			if b, ok, _ := m.Match(ctx, "k"); !ok || string(b) != "from shell" {
				t.Fatalf("Match returned %q %v", b, ok)
			}
			if _, ok, err := m.Match(ctx, "missing"); ok || err != nil {
				t.Fatalf("Match on missing key returned %v %v", ok, err)
			}
		})
	}
}

func TestStoredValuesAreCopied(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryManager()
	s, _ := m.Open(ctx, "assets-v1")
	value := []byte("abc")
	s.Put(ctx, "k", value)
	value[0] = 'x'
	b, _, _ := s.Get(ctx, "k")
	b[1] = 'y'
	if again, _, _ := s.Get(ctx, "k"); string(again) != "abc" {
		t.Fatalf("Stored value mutated to %q", again)
	}
}

func TestHotManagerServesFromHotCache(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryManager()
	hot, err := NewHotManager(inner, 1<<20)
	if err != nil {
		t.Fatal(err)
	}
	defer hot.Close()
	s, _ := hot.Open(ctx, "assets-v1")
	s.Put(ctx, "k", []byte("value"))
	hot.Wait()

	// remove behind the hot cache's back, the hot copy still answers
	inner.Delete(ctx, "assets-v1")
	if b, ok, _ := s.Get(ctx, "k"); !ok || string(b) != "value" {
		t.Fatalf("Hot cache returned %q %v", b, ok)
	}

	// deleting through the hot manager drops the hot copy as well
	hot.Delete(ctx, "assets-v1")
	if _, ok, _ := s.Get(ctx, "k"); ok {
		t.Fatal("Hot cache kept entry of deleted store")
	}
}

func TestHotManagerRejectsInvalidSize(t *testing.T) {
	if _, err := NewHotManager(NewMemoryManager(), 0); err == nil {
		t.Fatal("Expected error for zero size")
	}
}
