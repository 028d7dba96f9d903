package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"go.uber.org/zap"
)

type fakeNode struct {
	weight int64
	dirty  bool
}

func (n *fakeNode) CacheWeight() int64 { return n.weight }
func (n *fakeNode) Evictable() bool    { return !n.dirty }

func TestGetLoadsOnMiss(t *testing.T) {
	c := New(1024, zap.NewNop())
	var loads int32

	load := func(ctx context.Context) (Value, error) {
		atomic.AddInt32(&loads, 1)
		return &fakeNode{weight: 100}, nil
	}

	key := Key{Block: 1, Gen: 1}
	v, err := c.Get(context.Background(), key, load)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if v.(*fakeNode).weight != 100 {
		t.Errorf("wrong value returned")
	}

	// Second get is a hit: no further load.
	if _, err := c.Get(context.Background(), key, load); err != nil {
		t.Fatal(err)
	}
	if got := atomic.LoadInt32(&loads); got != 1 {
		t.Errorf("expected 1 load, got %d", got)
	}
}

func TestGetPropagatesLoadError(t *testing.T) {
	c := New(1024, zap.NewNop())
	wantErr := errors.New("disk gone")

	_, err := c.Get(context.Background(), Key{Block: 9, Gen: 1}, func(ctx context.Context) (Value, error) {
		return nil, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected load error, got %v", err)
	}
	if c.Len() != 0 {
		t.Errorf("failed load must not populate the cache")
	}
}

func TestConcurrentLoadsCollapse(t *testing.T) {
	c := New(1<<20, zap.NewNop())
	var loads int32
	started := make(chan struct{})
	release := make(chan struct{})

	load := func(ctx context.Context) (Value, error) {
		if atomic.AddInt32(&loads, 1) == 1 {
			close(started)
		}
		<-release
		return &fakeNode{weight: 10}, nil
	}

	key := Key{Block: 3, Gen: 2}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Get(context.Background(), key, load); err != nil {
				t.Error(err)
			}
		}()
	}
	<-started
	close(release)
	wg.Wait()

	if got := atomic.LoadInt32(&loads); got != 1 {
		t.Errorf("expected a single collapsed load, got %d", got)
	}
}

func TestEvictsCleanLRUOverBudget(t *testing.T) {
	c := New(250, zap.NewNop())

	c.Add(Key{Block: 1, Gen: 1}, &fakeNode{weight: 100})
	c.Add(Key{Block: 2, Gen: 1}, &fakeNode{weight: 100})

	// Touch block 1 so block 2 is the LRU victim.
	if _, err := c.Get(context.Background(), Key{Block: 1, Gen: 1}, nil); err != nil {
		t.Fatal(err)
	}

	c.Add(Key{Block: 3, Gen: 1}, &fakeNode{weight: 100})

	if _, ok := c.peek(Key{Block: 2, Gen: 1}); ok {
		t.Errorf("expected LRU entry 2 to be evicted")
	}
	if _, ok := c.peek(Key{Block: 1, Gen: 1}); !ok {
		t.Errorf("recently used entry 1 must survive")
	}
	if c.Bytes() > 250 {
		t.Errorf("cache over budget: %d", c.Bytes())
	}
}

func TestDirtyNodesAreNeverEvicted(t *testing.T) {
	c := New(150, zap.NewNop())

	dirty := &fakeNode{weight: 100, dirty: true}
	c.Add(Key{Block: 1, Gen: 1}, dirty)
	c.Add(Key{Block: 2, Gen: 1}, &fakeNode{weight: 100})

	if _, ok := c.peek(Key{Block: 1, Gen: 1}); !ok {
		t.Fatalf("dirty node was evicted")
	}

	// Pressure must have been signalled: budget cannot be met.
	select {
	case <-c.Pressure():
	default:
		t.Errorf("expected pressure signal when only dirty entries remain over budget")
	}
}

func TestRekeyMovesEntry(t *testing.T) {
	c := New(1024, zap.NewNop())
	n := &fakeNode{weight: 10}
	c.Add(Key{Block: 5, Gen: 1}, n)
	c.Rekey(Key{Block: 5, Gen: 1}, Key{Block: 5, Gen: 2})

	if _, ok := c.peek(Key{Block: 5, Gen: 1}); ok {
		t.Errorf("old key still present after rekey")
	}
	v, ok := c.peek(Key{Block: 5, Gen: 2})
	if !ok || v != n {
		t.Errorf("value not reachable under new key")
	}
}

func TestUpdateTracksWeightChanges(t *testing.T) {
	c := New(1024, zap.NewNop())
	n := &fakeNode{weight: 10}
	c.Add(Key{Block: 7, Gen: 1}, n)

	n.weight = 500
	c.Update(Key{Block: 7, Gen: 1})

	if c.Bytes() != 500 {
		t.Errorf("expected 500 bytes tracked, got %d", c.Bytes())
	}
}

// peek looks up a key without touching LRU order or loaders.
func (c *Cache) peek(key Key) (Value, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	return e.value, true
}
