package capacity

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCounter_RespectsCeilingUnderContention(t *testing.T) {
	c := NewCounter(3)
	var granted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.TryAcquire() {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 3, granted.Load())
	assert.Equal(t, 3, c.Active())
	assert.Equal(t, 0, c.Available())
}

func TestCounter_ReleaseNeverGoesNegative(t *testing.T) {
	c := NewCounter(2)
	assert.True(t, c.TryAcquire())
	c.Release()
	c.Release()
	assert.Equal(t, 0, c.Active())
	assert.Equal(t, 2, c.Available())
}

func TestNewCounter_ClampsCeiling(t *testing.T) {
	c := NewCounter(0)
	assert.Equal(t, 1, c.Ceiling())
}
