package counters_test

import (
	"sync"
	"testing"

	"github.com/downfa11-org/shmbus/pkg/counters"
)

func TestManager_AllocateAndGet(t *testing.T) {
	m := counters.NewManager()

	p := m.Allocate("sub-pos: shm:demo session 7", 128)
	if p.Get() != 128 {
		t.Fatalf("expected initial value 128, got %d", p.Get())
	}
	if p.Label() != "sub-pos: shm:demo session 7" {
		t.Fatalf("unexpected label %q", p.Label())
	}

	got, err := m.Get(p.ID())
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != p {
		t.Fatal("expected Get to return the allocated cell")
	}

	if _, err := m.Get(999); err == nil {
		t.Fatal("expected error for unknown cell id")
	}
}

func TestManager_FreeKeepsBorrowedReferenceUsable(t *testing.T) {
	m := counters.NewManager()
	p := m.Allocate("sub-pos", 0)

	m.Free(p.ID())
	if _, err := m.Get(p.ID()); err == nil {
		t.Fatal("expected freed cell to be unreachable through the manager")
	}

	// A borrowed reference still works after Free.
	p.Set(42)
	if p.Get() != 42 {
		t.Fatalf("expected borrowed cell to stay usable, got %d", p.Get())
	}

	if m.Count() != 0 {
		t.Fatalf("expected no live cells, got %d", m.Count())
	}
}

func TestPosition_ConcurrentReaders(t *testing.T) {
	m := counters.NewManager()
	p := m.Allocate("sub-pos", 0)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var last int64
			for {
				select {
				case <-stop:
					return
				default:
				}
				v := p.Get()
				if v < last {
					t.Errorf("position went backwards: %d after %d", v, last)
					return
				}
				last = v
			}
		}()
	}

	for v := int64(32); v <= 3200; v += 32 {
		p.Set(v)
	}
	close(stop)
	wg.Wait()
}
