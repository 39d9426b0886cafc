package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTTLAddRejectsLiveDuplicate(t *testing.T) {
	c := New[string, struct{}](time.Minute, 10)

	require.True(t, c.Add("room", struct{}{}))
	assert.False(t, c.Add("room", struct{}{}))
}

func TestTTLAddAllowsExpiredKey(t *testing.T) {
	c := New[string, struct{}](time.Minute, 10)
	base := time.Now()
	c.now = func() time.Time { return base }

	require.True(t, c.Add("room", struct{}{}))

	c.now = func() time.Time { return base.Add(61 * time.Second) }
	assert.True(t, c.Add("room", struct{}{}))
}

func TestTTLCapacity(t *testing.T) {
	c := New[int, int](time.Minute, 2)
	base := time.Now()
	c.now = func() time.Time { return base }

	require.True(t, c.Add(1, 1))
	require.True(t, c.Add(2, 2))
	assert.False(t, c.Add(3, 3), "full cache with live entries must reject")

	// Once the old entries expire the slot frees up.
	c.now = func() time.Time { return base.Add(2 * time.Minute) }
	assert.True(t, c.Add(3, 3))
	assert.Equal(t, 1, c.Len())
}

func TestTTLGetExpiry(t *testing.T) {
	c := New[string, int](time.Minute, 0)
	base := time.Now()
	c.now = func() time.Time { return base }

	c.Set("k", 42)
	v, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, 42, v)

	c.now = func() time.Time { return base.Add(2 * time.Minute) }
	_, ok = c.Get("k")
	assert.False(t, ok)
}
