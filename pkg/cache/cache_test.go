package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCacheSetGet(t *testing.T) {
	c := New(10, time.Minute)
	c.Set("a", 1)

	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok = c.Get("missing")
	assert.False(t, ok)
}

func TestCacheExpiry(t *testing.T) {
	c := New(10, 10*time.Millisecond)
	c.Set("a", 1)

	time.Sleep(20 * time.Millisecond)
	_, ok := c.Get("a")
	assert.False(t, ok)
}

func TestCacheDisabled(t *testing.T) {
	for _, c := range []*Cache{New(0, time.Minute), New(10, 0)} {
		c.Set("a", 1)
		_, ok := c.Get("a")
		assert.False(t, ok)
		c.Invalidate("a")
		c.InvalidateAll()
	}
}

func TestCacheInvalidate(t *testing.T) {
	c := New(10, time.Minute)
	c.Set("a", 1)
	c.Set("b", 2)

	c.Invalidate("a")
	_, ok := c.Get("a")
	assert.False(t, ok)
	_, ok = c.Get("b")
	assert.True(t, ok)

	c.InvalidateAll()
	_, ok = c.Get("b")
	assert.False(t, ok)
}

func TestCacheEvictionResets(t *testing.T) {
	c := New(3, time.Minute)
	for i := 0; i < 4; i++ {
		c.Set(fmt.Sprintf("k%d", i), i)
	}

	// The overflow write survives; earlier entries were dropped wholesale.
	v, ok := c.Get("k3")
	assert.True(t, ok)
	assert.Equal(t, 3, v)
	_, ok = c.Get("k0")
	assert.False(t, ok)
}
