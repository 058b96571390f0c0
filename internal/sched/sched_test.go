package sched

import (
	"testing"
	"time"

	"github.com/raulk/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestManualFiresInDeadlineOrder(t *testing.T) {
	m := NewManual(epoch)
	var fired []string
	m.AfterFunc(300*time.Millisecond, func() { fired = append(fired, "late") })
	m.AfterFunc(100*time.Millisecond, func() { fired = append(fired, "early") })
	m.AfterFunc(100*time.Millisecond, func() { fired = append(fired, "early-2") })

	m.Advance(200 * time.Millisecond)
	assert.Equal(t, []string{"early", "early-2"}, fired)
	assert.Equal(t, epoch.Add(200*time.Millisecond), m.Now())
	assert.Equal(t, 1, m.Pending())

	m.Advance(100 * time.Millisecond)
	assert.Equal(t, []string{"early", "early-2", "late"}, fired)
	assert.Equal(t, 0, m.Pending())
}

func TestManualStop(t *testing.T) {
	m := NewManual(epoch)
	called := false
	timer := m.AfterFunc(time.Second, func() { called = true })

	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop())
	m.Advance(2 * time.Second)
	assert.False(t, called)
}

func TestManualCallbackSeesDeadlineTime(t *testing.T) {
	m := NewManual(epoch)
	var seen time.Time
	m.AfterFunc(time.Second, func() { seen = m.Now() })
	m.Advance(5 * time.Second)
	assert.Equal(t, epoch.Add(time.Second), seen)
}

func TestManualRearmInsideCallback(t *testing.T) {
	m := NewManual(epoch)
	count := 0
	var tick func()
	tick = func() {
		count++
		if count < 3 {
			m.AfterFunc(time.Second, tick)
		}
	}
	m.AfterFunc(time.Second, tick)
	m.Advance(10 * time.Second)
	assert.Equal(t, 3, count)
}

func TestPostedHandsCallbacksToPoster(t *testing.T) {
	m := NewManual(epoch)
	var queue []func()
	c := Posted(m, func(f func()) { queue = append(queue, f) })

	ran := false
	c.AfterFunc(time.Second, func() { ran = true })
	m.Advance(time.Second)

	require.Len(t, queue, 1)
	assert.False(t, ran)
	queue[0]()
	assert.True(t, ran)
	assert.Equal(t, m.Now(), c.Now())
}

func TestFromClockUsesMock(t *testing.T) {
	mock := clock.NewMock()
	c := FromClock(mock)
	assert.Equal(t, mock.Now(), c.Now())

	timer := c.AfterFunc(time.Minute, func() {})
	assert.True(t, timer.Stop())
}
