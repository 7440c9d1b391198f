package chat

import (
	"context"
	"sync"
	"testing"
)

func TestKeyedMutexSerializesSameKey(t *testing.T) {
	k := newKeyedMutex()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("chat:T:C")
			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()

			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()
	if maxSeen != 1 {
		t.Fatalf("max concurrent holders = %d, want 1", maxSeen)
	}
	if k.Len() != 0 {
		t.Fatalf("Len() = %d, want 0 after release", k.Len())
	}
}

func TestKeyedMutexIndependentKeys(t *testing.T) {
	k := newKeyedMutex()
	unlockA := k.Lock("a")
	done := make(chan struct{})
	go func() {
		unlock := k.Lock("b")
		unlock()
		close(done)
	}()
	<-done
	if k.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 while a is held", k.Len())
	}
	unlockA()
	if k.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", k.Len())
	}
}

func TestPersistPoolWait(t *testing.T) {
	p := newPersistPool(2)
	var mu sync.Mutex
	ran := 0
	for i := 0; i < 5; i++ {
		p.Go(t.Context(), func(context.Context) {
			mu.Lock()
			ran++
			mu.Unlock()
		})
	}
	p.Wait()
	if ran != 5 {
		t.Fatalf("ran = %d, want 5", ran)
	}
}
