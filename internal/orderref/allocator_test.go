package orderref

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextFormatsWithPrefixAndPadding(t *testing.T) {
	a := New("GW", 1, 999)

	assert.Equal(t, "GW001", a.Next())
	assert.Equal(t, "GW002", a.Next())
	assert.Equal(t, int64(999), a.Capacity())
}

func TestNextWrapsToBase(t *testing.T) {
	a := New("R", 5, 7)

	got := []string{a.Next(), a.Next(), a.Next(), a.Next()}
	assert.Equal(t, []string{"R5", "R6", "R7", "R5"}, got)
}

func TestResetRewindsCounter(t *testing.T) {
	a := New("GW", 1, 99)
	a.Next()
	a.Next()
	a.Reset()
	assert.Equal(t, "GW01", a.Next())
}

func TestConcurrentReferencesAreDistinct(t *testing.T) {
	const (
		workers   = 16
		perWorker = 500
	)
	a := New("GW", 1, workers*perWorker)

	var (
		mu   sync.Mutex
		seen = make(map[string]struct{}, workers*perWorker)
		wg   sync.WaitGroup
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]string, 0, perWorker)
			for i := 0; i < perWorker; i++ {
				local = append(local, a.Next())
			}
			mu.Lock()
			for _, ref := range local {
				seen[ref] = struct{}{}
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, seen, workers*perWorker)
	// The range is exhausted, so the next reference wraps.
	assert.Equal(t, "GW0001", a.Next())
}
