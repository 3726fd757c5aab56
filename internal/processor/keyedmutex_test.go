package processor

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestKeyedMutex_SerializesPerKey(t *testing.T) {
	km := newKeyedMutex()
	key := uuid.New()

	var active, maxActive int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			km.Lock(key)
			defer km.Unlock(key)
			mu.Lock()
			active++
			if active > maxActive {
				maxActive = active
			}
			mu.Unlock()
			mu.Lock()
			active--
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxActive)
	assert.Empty(t, km.locks, "entries must be released once nobody holds them")
}

func TestKeyedMutex_IndependentKeys(t *testing.T) {
	km := newKeyedMutex()
	a, b := uuid.New(), uuid.New()

	km.Lock(a)
	done := make(chan struct{})
	go func() {
		km.Lock(b)
		km.Unlock(b)
		close(done)
	}()
	<-done // locking b must not block on a
	km.Unlock(a)

	assert.Empty(t, km.locks)
}
