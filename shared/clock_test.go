package shared

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeClock_FiresInDeadlineOrder(t *testing.T) {
	c := NewFakeClock(epoch)
	var order []string

	c.AfterFunc(3*time.Second, func() { order = append(order, "3s") })
	c.AfterFunc(1*time.Second, func() { order = append(order, "1s") })
	c.AfterFunc(2*time.Second, func() { order = append(order, "2s") })

	c.Advance(2 * time.Second)
	assert.Equal(t, []string{"1s", "2s"}, order)
	assert.Equal(t, 1, c.Pending())

	c.Advance(time.Second)
	assert.Equal(t, []string{"1s", "2s", "3s"}, order)
	assert.Equal(t, epoch.Add(3*time.Second), c.Now())
}

func TestFakeClock_RearmedCallbackFiresWithinWindow(t *testing.T) {
	c := NewFakeClock(epoch)
	ticks := 0
	var tick func()
	tick = func() {
		ticks++
		c.AfterFunc(time.Second, tick)
	}
	c.AfterFunc(time.Second, tick)

	c.Advance(10 * time.Second)

	require.Equal(t, 10, ticks)
	require.Equal(t, 1, c.Pending())
}

func TestFakeClock_StopPreventsFire(t *testing.T) {
	c := NewFakeClock(epoch)
	fired := false
	timer := c.AfterFunc(time.Second, func() { fired = true })

	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop())
	c.Advance(time.Minute)

	assert.False(t, fired)
	assert.Equal(t, 0, c.Pending())
}

func TestFakeClock_NowDuringCallback(t *testing.T) {
	c := NewFakeClock(epoch)
	var seen time.Time
	c.AfterFunc(4*time.Second, func() { seen = c.Now() })

	c.Advance(10 * time.Second)

	assert.Equal(t, epoch.Add(4*time.Second), seen)
	assert.Equal(t, epoch.Add(10*time.Second), c.Now())
}
