package keylock

import (
	"sync"
	"testing"
)

func TestMap_SerializesSameKey(t *testing.T) {
	m := New()
	var wg sync.WaitGroup
	counter := 0

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := m.Lock(7)
			defer unlock()
			counter++ // guarded by the key lock
		}()
	}
	wg.Wait()

	if counter != 50 {
		t.Errorf("expected 50, got %d", counter)
	}
	if m.Len() != 0 {
		t.Errorf("expected no retained locks, got %d", m.Len())
	}
}

func TestMap_DistinctKeysIndependent(t *testing.T) {
	m := New()
	unlockA := m.Lock(1)
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := m.Lock(2)
		unlock()
		close(done)
	}()
	<-done
}
