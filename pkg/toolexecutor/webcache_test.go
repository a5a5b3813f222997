package toolexecutor

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWebCache(t *testing.T) {
	t.Run("should return stored content until it expires", func(t *testing.T) {
		c := NewWebCacheWithLimits(time.Minute, 10)
		now := time.Now()
		c.now = func() time.Time { return now }

		c.Put("https://example.com", "hello")
		got, ok := c.Get("https://example.com")
		assert.True(t, ok)
		assert.Equal(t, "hello", got)

		now = now.Add(2 * time.Minute)
		_, ok = c.Get("https://example.com")
		assert.False(t, ok)
		assert.Equal(t, 0, c.Len())

		hits, misses := c.Stats()
		assert.Equal(t, uint64(1), hits)
		assert.Equal(t, uint64(1), misses)
	})

	t.Run("should evict the oldest entry when full", func(t *testing.T) {
		c := NewWebCacheWithLimits(time.Hour, 2)
		now := time.Now()
		c.now = func() time.Time { return now }

		c.Put("a", "1")
		now = now.Add(time.Second)
		c.Put("b", "2")
		now = now.Add(time.Second)
		c.Put("c", "3")

		assert.Equal(t, 2, c.Len())
		_, ok := c.Get("a")
		assert.False(t, ok)
	})

	t.Run("should be safe for concurrent use", func(t *testing.T) {
		c := NewWebCache()
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				key := fmt.Sprintf("k%d", i%5)
				c.Put(key, "v")
				c.Get(key)
			}(i)
		}
		wg.Wait()
		assert.Equal(t, 5, c.Len())
	})
}
