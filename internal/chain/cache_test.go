package chain

import (
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/chaincord/internal/domain"
)

func TestEvictExcessKeepsNewestInOrder(t *testing.T) {
	t.Parallel()

	cache := NewNodeCache()
	for i := range 105 {
		cache.GetOrCreate(fmt.Sprintf("id-%03d", i))
	}

	removed := cache.EvictExcess(DefaultMaxNodes)
	if removed != 5 {
		t.Fatalf("expected 5 evictions, got %d", removed)
	}
	if cache.Len() != 100 {
		t.Fatalf("expected 100 nodes, got %d", cache.Len())
	}

	want := make([]string, 0, 100)
	for i := 5; i < 105; i++ {
		want = append(want, fmt.Sprintf("id-%03d", i))
	}
	if got := cache.IDs(); !slices.Equal(got, want) {
		t.Fatalf("unexpected ids after eviction: first=%s last=%s", got[0], got[len(got)-1])
	}
	if stats := cache.Stats(); stats.Evictions != 5 || stats.Size != 100 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestEvictExcessBelowLimitIsNoop(t *testing.T) {
	t.Parallel()

	cache := NewNodeCache()
	cache.GetOrCreate("a")
	if removed := cache.EvictExcess(10); removed != 0 {
		t.Fatalf("expected no evictions, got %d", removed)
	}
}

func TestGetOrCreateIsAtomic(t *testing.T) {
	t.Parallel()

	cache := NewNodeCache()
	const workers = 64
	nodes := make([]*Node, workers)

	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			nodes[i] = cache.GetOrCreate("shared")
		}()
	}
	wg.Wait()

	for i, n := range nodes {
		if n != nodes[0] {
			t.Fatalf("worker %d got a different node", i)
		}
	}
	stats := cache.Stats()
	if stats.Size != 1 || stats.Misses != 1 || stats.Hits != workers-1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestGetOrCreateDoesNotWaitOnNodeLock(t *testing.T) {
	t.Parallel()

	cache := NewNodeCache()
	held := cache.Acquire("busy")
	defer cache.Release(held)

	done := make(chan *Node)
	go func() { done <- cache.GetOrCreate("busy") }()

	select {
	case n := <-done:
		if n != held {
			t.Fatal("expected the existing node")
		}
	case <-time.After(time.Second):
		t.Fatal("GetOrCreate blocked on a held node lock")
	}
}

func TestEvictExcessWaitsForHeldLock(t *testing.T) {
	t.Parallel()

	cache := NewNodeCache()
	oldest := cache.Acquire("oldest")
	cache.GetOrCreate("newer")

	done := make(chan int)
	go func() { done <- cache.EvictExcess(1) }()

	select {
	case <-done:
		t.Fatal("eviction removed a node whose lock is held")
	case <-time.After(50 * time.Millisecond):
	}
	if cache.Len() != 2 {
		t.Fatalf("expected both nodes while locked, got %d", cache.Len())
	}

	cache.Release(oldest)
	select {
	case removed := <-done:
		if removed != 1 {
			t.Fatalf("expected 1 eviction, got %d", removed)
		}
	case <-time.After(time.Second):
		t.Fatal("eviction did not finish after release")
	}
	if got := cache.IDs(); !slices.Equal(got, []string{"newer"}) {
		t.Fatalf("unexpected ids %v", got)
	}

	// A later access re-creates the evicted node unresolved.
	if n := cache.GetOrCreate("oldest"); n == oldest || n.Resolved() {
		t.Fatal("expected a fresh node after eviction")
	}
}

func TestWithLockSerializesCallers(t *testing.T) {
	t.Parallel()

	cache := NewNodeCache()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		active  int
		overlap bool
	)
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cache.WithLock("n", func(node *Node) {
				mu.Lock()
				active++
				if active > 1 {
					overlap = true
				}
				mu.Unlock()

				time.Sleep(time.Millisecond)
				node.Text += "x"

				mu.Lock()
				active--
				mu.Unlock()
			})
		}()
	}
	wg.Wait()

	if overlap {
		t.Fatal("two callers held the same node lock")
	}
	cache.WithLock("n", func(node *Node) {
		if len(node.Text) != 16 {
			t.Fatalf("expected 16 writes, got %d", len(node.Text))
		}
	})
}

func TestReservationBlocksUntilComplete(t *testing.T) {
	t.Parallel()

	cache := NewNodeCache()
	trigger := &domain.Message{ID: "trigger"}
	res := cache.Reserve("reply", trigger)

	seen := make(chan string)
	go func() {
		cache.WithLock("reply", func(node *Node) {
			if !node.Resolved() {
				seen <- "unresolved"
				return
			}
			seen <- node.Text
		})
	}()

	select {
	case got := <-seen:
		t.Fatalf("reader observed reserved node early: %q", got)
	case <-time.After(50 * time.Millisecond):
	}

	res.Complete("final reply")
	res.Complete("ignored")

	select {
	case got := <-seen:
		if got != "final reply" {
			t.Fatalf("expected final reply text, got %q", got)
		}
	case <-time.After(time.Second):
		t.Fatal("reader still blocked after Complete")
	}

	cache.WithLock("reply", func(node *Node) {
		if node.Role != RoleAssistant || node.Upstream != trigger {
			t.Fatalf("unexpected reserved node %+v", node)
		}
	})
}
