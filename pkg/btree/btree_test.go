package btree

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/latchtree/latchtree/pkg/commitlock"
	"github.com/latchtree/latchtree/pkg/pagecache"
	"github.com/latchtree/latchtree/pkg/types"
)

func newTestTree(t *testing.T, maxEntries, minFill int) *BTree {
	t.Helper()
	cache := pagecache.New(pagecache.NewMemStore())
	lock := commitlock.New()
	return New(1, cache, lock, nil, nil, Options{MaxEntries: maxEntries, MinFill: minFill})
}

func key(n int) types.Key { return types.Key(fmt.Sprintf("key-%06d", n)) }

func TestStoreAndFind(t *testing.T) {
	tree := newTestTree(t, 4, 1)
	cur := tree.NewCursor(nil)

	for i := 0; i < 50; i++ {
		if err := cur.Store(key(i), types.Value(fmt.Sprintf("val-%d", i))); err != nil {
			t.Fatalf("Store(%d): %v", i, err)
		}
	}

	for i := 0; i < 50; i++ {
		if err := cur.Find(key(i)); err != nil {
			t.Fatalf("Find(%d): %v", i, err)
		}
		if !cur.Positioned() {
			t.Fatalf("key %d not found after insert", i)
		}
		want := fmt.Sprintf("val-%d", i)
		if string(cur.Value()) != want {
			t.Fatalf("key %d: got %q want %q", i, cur.Value(), want)
		}
	}

	if err := cur.Find(types.Key("missing")); err != nil {
		t.Fatalf("Find(missing): %v", err)
	}
}

func TestForwardIteration(t *testing.T) {
	tree := newTestTree(t, 4, 1)
	cur := tree.NewCursor(nil)

	const n = 200
	order := rand.Perm(n)
	for _, i := range order {
		if err := cur.Store(key(i), types.Value{byte(i)}); err != nil {
			t.Fatalf("Store: %v", err)
		}
	}

	if err := cur.First(); err != nil {
		t.Fatalf("First: %v", err)
	}
	count := 0
	var prev types.Key
	for cur.Positioned() {
		k := cur.Key()
		if prev != nil && k.Compare(prev) <= 0 {
			t.Fatalf("keys out of order: %q then %q", prev, k)
		}
		prev = k.Clone()
		count++
		if err := cur.Next(); err != nil {
			t.Fatalf("Next: %v", err)
		}
	}
	if count != n {
		t.Fatalf("iterated %d entries, want %d", count, n)
	}

	if err := tree.NewCursor(nil).Verify(); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestDeleteAllTriggersMerge(t *testing.T) {
	tree := newTestTree(t, 4, 1)
	cur := tree.NewCursor(nil)

	const n = 100
	for i := 0; i < n; i++ {
		if err := cur.Store(key(i), types.Value{1}); err != nil {
			t.Fatalf("Store: %v", err)
		}
	}

	for i := 0; i < n-5; i++ {
		if err := cur.Find(key(i)); err != nil {
			t.Fatalf("Find: %v", err)
		}
		if !cur.Positioned() {
			t.Fatalf("key %d missing before delete", i)
		}
		if err := cur.DeleteAll(); err != nil {
			t.Fatalf("DeleteAll(%d): %v", i, err)
		}
	}

	if err := tree.NewCursor(nil).Verify(); err != nil {
		t.Fatalf("Verify after deletes: %v", err)
	}

	cur2 := tree.NewCursor(nil)
	if err := cur2.First(); err != nil {
		t.Fatalf("First: %v", err)
	}
	remaining := 0
	for cur2.Positioned() {
		remaining++
		if err := cur2.Next(); err != nil {
			t.Fatalf("Next: %v", err)
		}
	}
	if remaining != 5 {
		t.Fatalf("remaining = %d, want 5", remaining)
	}
}

func TestGhostHidesValueUntilDeleted(t *testing.T) {
	tree := newTestTree(t, 4, 1)
	cur := tree.NewCursor(nil)
	if err := cur.Store(key(1), types.Value("v")); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if err := cur.Find(key(1)); err != nil {
		t.Fatalf("Find: %v", err)
	}
	if err := cur.DeleteGhost(); err != nil {
		t.Fatalf("DeleteGhost: %v", err)
	}
	if err := cur.Find(key(1)); err != nil {
		t.Fatalf("Find: %v", err)
	}
	if !cur.Positioned() {
		t.Fatalf("ghost entry should still be positioned, just hidden")
	}
	if v := cur.Value(); v != nil {
		t.Fatalf("ghost value should read as nil, got %q", v)
	}
}

// TestConcurrentStoreAndRead exercises the latch-coupling protocol
// under concurrent writers and readers, the way
// pkg/storage/concurrency_test.go exercised a single-rwmutex tree.
func TestConcurrentStoreAndRead(t *testing.T) {
	tree := newTestTree(t, 8, 2)
	const writers = 8
	const perWriter = 100

	var writersWg sync.WaitGroup
	writersWg.Add(writers)
	for w := 0; w < writers; w++ {
		go func(w int) {
			defer writersWg.Done()
			cur := tree.NewCursor(nil)
			for i := 0; i < perWriter; i++ {
				k := key(w*perWriter + i)
				if err := cur.Store(k, types.Value{byte(w)}); err != nil {
					t.Errorf("writer %d Store: %v", w, err)
					return
				}
			}
		}(w)
	}

	stop := make(chan struct{})
	var readerWg sync.WaitGroup
	readerWg.Add(1)
	go func() {
		defer readerWg.Done()
		cur := tree.NewCursor(nil)
		for {
			select {
			case <-stop:
				return
			default:
				cur.First()
				for cur.Positioned() {
					if cur.Next() != nil {
						break
					}
				}
			}
		}
	}()

	writersWg.Wait()
	close(stop)
	readerWg.Wait()

	if err := tree.NewCursor(nil).Verify(); err != nil {
		t.Fatalf("Verify after concurrent writes: %v", err)
	}

	cur := tree.NewCursor(nil)
	if err := cur.First(); err != nil {
		t.Fatalf("First: %v", err)
	}
	count := 0
	for cur.Positioned() {
		count++
		if err := cur.Next(); err != nil {
			t.Fatalf("Next: %v", err)
		}
	}
	if count != writers*perWriter {
		t.Fatalf("count = %d, want %d", count, writers*perWriter)
	}
}
