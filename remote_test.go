package linkmesh

import (
	"net/netip"
	"sync"
	"testing"

	"github.com/google/uuid"
)

func TestRemoteRegistryGetOrCreateIdempotent(t *testing.T) {
	r := NewRemoteRegistry()
	id := uuid.New()
	ep := netip.MustParseAddrPort("127.0.0.1:9000")

	a := r.GetOrCreate(id, ep, ep)
	b := r.GetOrCreate(id, ep, ep)
	if a != b {
		t.Fatal("expected the same Remote instance on repeated GetOrCreate for one id")
	}
	if r.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", r.Len())
	}
}

func TestRemoteRegistryGetOrCreateConcurrentSingleWinner(t *testing.T) {
	r := NewRemoteRegistry()
	id := uuid.New()
	ep := netip.MustParseAddrPort("127.0.0.1:9000")

	results := make([]*Remote, 50)
	var wg sync.WaitGroup
	wg.Add(len(results))
	for i := range results {
		i := i
		go func() {
			defer wg.Done()
			results[i] = r.GetOrCreate(id, ep, ep)
		}()
	}
	wg.Wait()

	first := results[0]
	for i, got := range results {
		if got != first {
			t.Fatalf("result %d differs from the first Remote instance", i)
		}
	}
}

func TestRemoteRegistryRemoveAndClear(t *testing.T) {
	r := NewRemoteRegistry()
	id := uuid.New()
	ep := netip.MustParseAddrPort("127.0.0.1:9000")
	r.GetOrCreate(id, ep, ep)

	r.Remove(id)
	if r.Get(id) != nil {
		t.Fatal("expected Get to return nil after Remove")
	}

	r.GetOrCreate(id, ep, ep)
	r.GetOrCreate(uuid.New(), ep, ep)
	r.Clear()
	if r.Len() != 0 {
		t.Fatalf("Len() after Clear = %d, want 0", r.Len())
	}
}
