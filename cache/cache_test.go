package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLRU_GetAdd(t *testing.T) {
	c := NewLRU[string, int](2, time.Minute)

	_, ok := c.Get("a")
	assert.False(t, ok)

	c.Add("a", 1)
	c.Add("b", 2)
	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	// "b" is least recently used and is evicted.
	c.Add("c", 3)
	assert.False(t, c.Contains("b"))
	assert.True(t, c.Contains("a"))
	assert.True(t, c.Contains("c"))
	assert.Equal(t, 2, c.Len())
}

func TestLRU_Expiry(t *testing.T) {
	c := NewLRU[int64, string](10, 20*time.Millisecond)
	c.Add(1, "x")
	assert.True(t, c.Contains(1))

	assert.Eventually(t, func() bool {
		_, ok := c.Get(1)
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestLRU_Remove(t *testing.T) {
	c := NewLRU[string, int](4, time.Minute)
	c.Add("a", 1)
	c.Add("b", 2)

	c.Remove("a")
	c.Remove("missing")

	assert.False(t, c.Contains("a"))
	assert.True(t, c.Contains("b"))
	assert.Equal(t, 1, c.Len())
}
