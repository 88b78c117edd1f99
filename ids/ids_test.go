package ids_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"orca.dev/orca/ids"
)

func TestNewStartsAtOne(t *testing.T) {
	a := ids.New()
	assert.Equal(t, uint64(1), a.Next())
	assert.Equal(t, uint64(2), a.Next())
}

func TestResumeContinuesFromObservedMax(t *testing.T) {
	a := ids.Resume(41)
	assert.Equal(t, uint64(42), a.Next())
	assert.Equal(t, uint64(42), a.Peek())
}

func TestNextIsConcurrencySafeAndStrictlyIncreasing(t *testing.T) {
	a := ids.New()
	const n = 1000
	ch := make(chan uint64, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			ch <- a.Next()
		}()
	}
	wg.Wait()
	close(ch)

	seen := make(map[uint64]struct{}, n)
	for id := range ch {
		_, dup := seen[id]
		assert.False(t, dup, "duplicate id %d", id)
		seen[id] = struct{}{}
	}
	assert.Len(t, seen, n)
}
