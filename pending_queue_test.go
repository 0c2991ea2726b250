package linkmesh

import (
	"sync"
	"testing"
)

func TestRingBufferWriteRead(t *testing.T) {
	rb := NewRingBuffer[int64](4)

	for i := 0; i < 1000; i++ {
		rb.Write(int64(i))
		v, ok := rb.Read()
		if !ok {
			t.Fatalf("expected ok=true at i=%d", i)
		}
		if v != int64(i) {
			t.Fatalf("expected %d, got %d", i, v)
		}
	}
}

func TestRingBufferReadEmpty(t *testing.T) {
	rb := NewRingBuffer[int64](4)

	v, ok := rb.Read()
	if ok {
		t.Fatalf("expected ok=false on empty buffer, got %v", v)
	}
}

func TestRingBufferGrowsInsteadOfRejecting(t *testing.T) {
	rb := NewRingBuffer[int64](2)

	for i := 0; i < 10; i++ {
		rb.Write(int64(i))
	}

	if rb.Len() != 10 {
		t.Fatalf("expected len=10 after growth, got %d", rb.Len())
	}

	for i := 0; i < 10; i++ {
		v, ok := rb.Read()
		if !ok || v != int64(i) {
			t.Fatalf("index %d: expected %d, got %d (ok=%v)", i, i, v, ok)
		}
	}
}

func TestRingBufferDrainAllPreservesOrder(t *testing.T) {
	rb := NewRingBuffer[int64](4)

	for i := 0; i < 7; i++ {
		rb.Write(int64(i))
	}

	drained := rb.DrainAll()
	if len(drained) != 7 {
		t.Fatalf("expected 7 drained values, got %d", len(drained))
	}
	for i, v := range drained {
		if v != int64(i) {
			t.Errorf("index %d: expected %d, got %d", i, i, v)
		}
	}

	if rb.Len() != 0 {
		t.Fatalf("expected len=0 after drain, got %d", rb.Len())
	}
	if v, ok := rb.Read(); ok {
		t.Fatalf("expected empty buffer after drain, got %v", v)
	}
}

func TestRingBufferWraparound(t *testing.T) {
	rb := NewRingBuffer[int64](4)

	for i := 0; i < 4; i++ {
		rb.Write(int64(i))
	}
	for i := 0; i < 4; i++ {
		v, ok := rb.Read()
		if !ok || v != int64(i) {
			t.Fatalf("pass 1: expected %d, got %d (ok=%v)", i, v, ok)
		}
	}

	for i := 10; i < 14; i++ {
		rb.Write(int64(i))
	}
	for i := 10; i < 14; i++ {
		v, ok := rb.Read()
		if !ok || v != int64(i) {
			t.Fatalf("pass 2: expected %d, got %d (ok=%v)", i, v, ok)
		}
	}
}

func TestRingBufferConcurrentWriteRead(t *testing.T) {
	rb := NewRingBuffer[int64](32)
	count := 5000

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 0; i < count; i++ {
			rb.Write(int64(i))
		}
	}()

	results := make([]int64, 0, count)
	go func() {
		defer wg.Done()
		for len(results) < count {
			if v, ok := rb.Read(); ok {
				results = append(results, v)
			}
		}
	}()

	wg.Wait()

	for i, v := range results {
		if v != int64(i) {
			t.Fatalf("index %d: expected %d, got %d", i, i, v)
		}
	}
}
