package orchestrator

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyLocksSerializeSameKey(t *testing.T) {
	t.Parallel()

	locks := newKeyLocks()

	var counter int
	var wg sync.WaitGroup
	for range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.Lock("deezer:1")
			defer unlock()
			counter++
		}()
	}
	wg.Wait()

	assert.Equal(t, 32, counter)
}

func TestKeyLocksPruneOnRelease(t *testing.T) {
	t.Parallel()

	locks := newKeyLocks()

	unlockA := locks.Lock("a")
	unlockB := locks.Lock("b")

	locks.mux.Lock()
	assert.Len(t, locks.entries, 2)
	locks.mux.Unlock()

	unlockA()
	unlockB()

	locks.mux.Lock()
	assert.Empty(t, locks.entries)
	locks.mux.Unlock()
}

func TestKeyLocksIndependentKeysDoNotBlock(t *testing.T) {
	t.Parallel()

	locks := newKeyLocks()

	unlockA := locks.Lock("a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlockB := locks.Lock("b")
		unlockB()
		close(done)
	}()

	<-done
}
