package cache

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapCacheGetPut(t *testing.T) {
	c := NewMapCache[string, int]()
	_, ok := c.Get("a")
	assert.False(t, ok)

	c.Put("a", 1)
	c.Put("b", 2)
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)
	assert.Equal(t, 2, c.Size())

	var _ Cache[string, int] = c
}

func TestSliceCacheCopies(t *testing.T) {
	c := NewSliceCache[int]()
	vec := []float32{1, 2, 3}
	c.Put(7, vec)
	vec[0] = 100

	got, ok := c.Get(7)
	require.True(t, ok)
	assert.Equal(t, []float32{1, 2, 3}, got)

	got[1] = 200
	again, _ := c.Get(7)
	assert.Equal(t, float32(2), again[1])
}

func TestGetOrCompute(t *testing.T) {
	c := NewMapCache[string, string]()
	calls := 0
	fn := func() (string, error) {
		calls++
		return "v", nil
	}

	v, err := c.GetOrCompute("k", fn)
	require.NoError(t, err)
	assert.Equal(t, "v", v)
	v, err = c.GetOrCompute("k", fn)
	require.NoError(t, err)
	assert.Equal(t, "v", v)
	assert.Equal(t, 1, calls)

	boom := errors.New("boom")
	_, err = c.GetOrCompute("x", func() (string, error) { return "", boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, c.Size())
}

func TestMapCacheConcurrent(t *testing.T) {
	c := NewMapCache[int, int]()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Put(i*100+j, j)
				c.Get(j)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 800, c.Size())
}
