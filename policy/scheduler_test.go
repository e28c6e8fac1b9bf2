package policy

import (
	"testing"
	"time"

	"github.com/darkhz/bluepolicy/bluetooth"
	"github.com/rs/xid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScheduler(delay time.Duration) (*retryScheduler, chan Event) {
	posted := make(chan Event, 8)

	return newRetryScheduler(delay, func(ev Event) { posted <- ev }), posted
}

func TestScheduleReplacesPendingRetry(t *testing.T) {
	s, posted := newTestScheduler(20 * time.Millisecond)
	rec := &deviceRecord{address: bluetooth.MustParseMAC("AA:BB:CC:DD:EE:01")}

	s.schedule(rec)
	first := rec.retry.token

	s.schedule(rec)
	second := rec.retry.token
	require.NotEqual(t, first, second)

	var ev Event
	require.Eventually(t, func() bool {
		select {
		case ev = <-posted:
			return true
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)

	fired, ok := ev.(retryFired)
	require.True(t, ok)
	assert.Equal(t, rec.address, fired.device)
	assert.Equal(t, second, fired.token)

	assert.Never(t, func() bool { return len(posted) > 0 }, 80*time.Millisecond, 5*time.Millisecond)

	assert.False(t, s.claim(rec, first))
	assert.True(t, s.claim(rec, second))
	assert.Nil(t, rec.retry)

	assert.Equal(t, RetryStats{Scheduled: 2, Fired: 1, Cancelled: 1}, s.stats())
}

func TestCancelStopsTimer(t *testing.T) {
	s, posted := newTestScheduler(10 * time.Millisecond)
	rec := &deviceRecord{address: bluetooth.MustParseMAC("AA:BB:CC:DD:EE:02")}

	assert.False(t, s.cancel(rec))

	deadline := s.schedule(rec)
	assert.WithinDuration(t, time.Now().Add(10*time.Millisecond), deadline, 10*time.Millisecond)

	assert.True(t, s.cancel(rec))
	assert.Nil(t, rec.retry)

	assert.Never(t, func() bool { return len(posted) > 0 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestClaimAfterCancel(t *testing.T) {
	s, _ := newTestScheduler(time.Hour)
	rec := &deviceRecord{address: bluetooth.MustParseMAC("AA:BB:CC:DD:EE:03")}

	s.schedule(rec)
	token := rec.retry.token
	s.cancel(rec)

	assert.False(t, s.claim(rec, token))
	assert.False(t, s.claim(rec, xid.New()))
	assert.Zero(t, s.stats().Fired)
}

func TestStopDropsEveryRetry(t *testing.T) {
	s, posted := newTestScheduler(10 * time.Millisecond)

	records := make(map[bluetooth.MacAddress]*deviceRecord)
	for _, addr := range []string{"AA:BB:CC:DD:EE:04", "AA:BB:CC:DD:EE:05"} {
		rec := &deviceRecord{address: bluetooth.MustParseMAC(addr)}
		records[rec.address] = rec
		s.schedule(rec)
	}

	s.stop(records)

	for _, rec := range records {
		assert.Nil(t, rec.retry)
	}

	assert.Zero(t, s.stats().Cancelled)
	assert.Never(t, func() bool { return len(posted) > 0 }, 50*time.Millisecond, 5*time.Millisecond)
}
