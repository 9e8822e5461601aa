package realtime

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
)

func TestSlidingWindow(t *testing.T) {
	t.Parallel()

	clk := clock.NewMock()
	w := NewSlidingWindow(100, time.Minute, clk)

	for i := 0; i < 100; i++ {
		assert.True(t, w.Allow(), "message %d should be allowed", i+1)
		clk.Add(100 * time.Millisecond)
	}
	assert.False(t, w.Allow(), "101st message inside the window must be rejected")
	assert.Equal(t, 100, w.Count())

	// The first message leaves the window 60s after it was sent.
	clk.Add(time.Minute - 10*time.Second)
	assert.True(t, w.Allow())
	assert.False(t, w.Allow())

	clk.Add(2 * time.Minute)
	assert.Equal(t, 0, w.Count())
	assert.True(t, w.Allow())
}

func TestSlidingWindowRejectedMessagesDoNotCount(t *testing.T) {
	t.Parallel()

	clk := clock.NewMock()
	w := NewSlidingWindow(2, time.Second, clk)

	assert.True(t, w.Allow())
	assert.True(t, w.Allow())
	for i := 0; i < 10; i++ {
		assert.False(t, w.Allow())
	}

	clk.Add(time.Second)
	assert.True(t, w.Allow())
	assert.True(t, w.Allow())
}
