package endpoint

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSlidingWindow(t *testing.T) {
	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	t.Run("limit of one per window", func(t *testing.T) {
		w := newSlidingWindow(1, time.Minute)

		assert.True(t, w.allow(base))
		assert.False(t, w.allow(base.Add(time.Second)))
		assert.False(t, w.allow(base.Add(59*time.Second)))
		assert.True(t, w.allow(base.Add(61*time.Second)))
	})

	t.Run("window trims expired entries", func(t *testing.T) {
		w := newSlidingWindow(2, time.Minute)

		assert.True(t, w.allow(base))
		assert.True(t, w.allow(base.Add(30*time.Second)))
		assert.False(t, w.allow(base.Add(40*time.Second)))
		// first entry expired, second still in window
		assert.True(t, w.allow(base.Add(70*time.Second)))
		assert.False(t, w.allow(base.Add(75*time.Second)))
	})

	t.Run("zero limit disables", func(t *testing.T) {
		w := newSlidingWindow(0, time.Minute)
		for i := 0; i < 100; i++ {
			assert.True(t, w.allow(base.Add(time.Duration(i)*time.Millisecond)))
		}
	})
}
