package policy

import (
	"time"

	"github.com/darkhz/bluepolicy/bluetooth"
	"github.com/rs/xid"
	"go.uber.org/atomic"
)

// pendingRetry is the single outstanding retry of a device.
type pendingRetry struct {
	token    xid.ID
	deadline time.Time
	timer    *time.Timer
}

// retryScheduler schedules "connect remaining profiles" retries.
// Timers never run decisions themselves: they post a retryFired event into
// the orchestrator queue, which is only acted upon if its token still
// matches the device's pending retry.
type retryScheduler struct {
	delay time.Duration
	post  func(Event)
	now   func() time.Time

	scheduled atomic.Uint64
	fired     atomic.Uint64
	cancelled atomic.Uint64
}

func newRetryScheduler(delay time.Duration, post func(Event)) *retryScheduler {
	return &retryScheduler{
		delay: delay,
		post:  post,
		now:   time.Now,
	}
}

// schedule replaces any pending retry of the record with a new one.
func (s *retryScheduler) schedule(rec *deviceRecord) time.Time {
	s.cancel(rec)

	device, token := rec.address, xid.New()
	retry := &pendingRetry{
		token:    token,
		deadline: s.now().Add(s.delay),
	}
	retry.timer = time.AfterFunc(s.delay, func() {
		s.post(retryFired{device: device, token: token})
	})

	rec.retry = retry
	s.scheduled.Inc()

	return retry.deadline
}

// cancel drops the pending retry of the record, if any.
func (s *retryScheduler) cancel(rec *deviceRecord) bool {
	if rec.retry == nil {
		return false
	}

	rec.retry.timer.Stop()
	rec.retry = nil
	s.cancelled.Inc()

	return true
}

// claim consumes the pending retry of the record if token belongs to it.
// A timer that was replaced or cancelled after it fired fails to claim.
func (s *retryScheduler) claim(rec *deviceRecord, token xid.ID) bool {
	if rec.retry == nil || rec.retry.token != token {
		return false
	}

	rec.retry = nil
	s.fired.Inc()

	return true
}

// stop cancels every pending retry without counting them.
func (s *retryScheduler) stop(records map[bluetooth.MacAddress]*deviceRecord) {
	for _, rec := range records {
		if rec.retry != nil {
			rec.retry.timer.Stop()
			rec.retry = nil
		}
	}
}

// RetryStats counts retry scheduler activity.
type RetryStats struct {
	Scheduled uint64
	Fired     uint64
	Cancelled uint64
}

func (s *retryScheduler) stats() RetryStats {
	return RetryStats{
		Scheduled: s.scheduled.Load(),
		Fired:     s.fired.Load(),
		Cancelled: s.cancelled.Load(),
	}
}
