package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edunotify/internal/dispatch"
	"edunotify/internal/eventbus"
	"edunotify/internal/notification"
	"edunotify/internal/session"
	logx "edunotify/pkg/logx"
)

type manualTimer struct {
	d       time.Duration
	f       func()
	stopped bool
}

func (t *manualTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

// manualClock never fires on its own; fire runs the latest live timer.
type manualClock struct {
	mu     sync.Mutex
	timers []*manualTimer
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{d: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *manualClock) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

func (c *manualClock) fire(t *testing.T) time.Duration {
	t.Helper()
	c.mu.Lock()
	require.NotEmpty(t, c.timers, "nothing scheduled")
	last := c.timers[len(c.timers)-1]
	c.mu.Unlock()
	require.False(t, last.stopped, "latest timer was stopped")
	last.stopped = true
	last.f()
	return last.d
}

type scriptedFetcher struct {
	mu      sync.Mutex
	errs    []error // consumed per call; nil entry or exhausted means success
	items   []notification.Notification
	calls   int
	block   chan struct{}
	entered chan struct{}
}

func (f *scriptedFetcher) FetchPending(ctx context.Context, userID string) ([]notification.Notification, error) {
	f.mu.Lock()
	f.calls++
	var err error
	if len(f.errs) > 0 {
		err, f.errs = f.errs[0], f.errs[1:]
	}
	block, entered := f.block, f.entered
	f.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return f.items, nil
}

type recordingDispatcher struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, n notification.Notification) (dispatch.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ids = append(d.ids, n.ID)
	return dispatch.Result{ID: n.ID, Displayed: d.err == nil}, d.err
}

var errNetwork = errors.New("network unreachable")

func newLoop(cfg Config, f Fetcher, d Dispatcher, sess *session.Session, bus eventbus.Bus) (*Loop, *manualClock) {
	clock := &manualClock{}
	return New(cfg, Deps{Fetcher: f, Dispatcher: d, Session: sess, Clock: clock, Log: logx.Nop(), Bus: bus}), clock
}

var testCfg = Config{Interval: 30 * time.Second, BackoffInterval: 2 * time.Minute, MaxFailures: 5, FetchTimeout: time.Second}

func TestSuccessfulFetchDispatchesInOrder(t *testing.T) {
	f := &scriptedFetcher{items: []notification.Notification{{ID: "a", Title: "A"}, {ID: "b", Title: "B"}}}
	d := &recordingDispatcher{}
	l, clock := newLoop(testCfg, f, d, nil, nil)

	l.Start(context.Background(), "u1")
	assert.Equal(t, StateScheduled, l.State())
	assert.Equal(t, time.Duration(0), clock.fire(t), "first fetch is immediate")

	assert.Equal(t, []string{"a", "b"}, d.ids)
	assert.Equal(t, StateScheduled, l.State())
	assert.Equal(t, testCfg.Interval, l.NextDelay())
	assert.Zero(t, l.Failures())
}

func TestThreeFailuresScheduleFourthAtBackoff(t *testing.T) {
	f := &scriptedFetcher{errs: []error{errNetwork, errNetwork, errNetwork}}
	l, clock := newLoop(testCfg, f, &recordingDispatcher{}, nil, nil)

	l.Start(context.Background(), "u1")
	clock.fire(t)
	clock.fire(t)
	clock.fire(t)

	assert.Equal(t, 3, l.Failures())
	assert.Equal(t, testCfg.BackoffInterval, l.NextDelay())
	assert.Equal(t, StateScheduled, l.State())
	assert.Contains(t, l.Status().LastError, "network unreachable")

	// 4th succeeds: counter resets and the normal interval returns.
	assert.Equal(t, testCfg.BackoffInterval, clock.fire(t))
	assert.Zero(t, l.Failures())
	assert.Equal(t, testCfg.Interval, l.NextDelay())
	assert.Empty(t, l.Status().LastError)
}

func TestHardCapStopsLoop(t *testing.T) {
	errs := make([]error, testCfg.MaxFailures)
	for i := range errs {
		errs[i] = errNetwork
	}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	f := &scriptedFetcher{errs: errs}
	l, clock := newLoop(testCfg, f, &recordingDispatcher{}, nil, bus)
	l.Start(context.Background(), "u1")
	for i := 0; i < testCfg.MaxFailures; i++ {
		clock.fire(t)
	}

	assert.Equal(t, StateStopped, l.State())
	assert.Equal(t, testCfg.MaxFailures, l.Failures())
	assert.Equal(t, testCfg.MaxFailures, clock.count(), "no timer after the cap")

	var stopped bool
	for len(events) > 0 {
		if e := <-events; e.Type == eventbus.TypePollerStopped {
			stopped = true
		}
	}
	assert.True(t, stopped)
	assert.Equal(t, testCfg.MaxFailures, f.calls)
}

func TestStopCancelsTimerAndIsIdempotent(t *testing.T) {
	l, clock := newLoop(testCfg, &scriptedFetcher{}, &recordingDispatcher{}, nil, nil)
	l.Start(context.Background(), "u1")
	clock.fire(t)

	l.Stop()
	l.Stop()
	assert.Equal(t, StateIdle, l.State())
	assert.True(t, clock.timers[len(clock.timers)-1].stopped)
}

func TestInFlightFetchAfterStopDoesNotReschedule(t *testing.T) {
	f := &scriptedFetcher{block: make(chan struct{}), entered: make(chan struct{}, 1)}
	d := &recordingDispatcher{}
	f.items = []notification.Notification{{ID: "late", Title: "late"}}
	l, clock := newLoop(testCfg, f, d, nil, nil)
	l.Start(context.Background(), "u1")

	done := make(chan struct{})
	go func() {
		defer close(done)
		clock.fire(t)
	}()
	<-f.entered
	assert.Equal(t, StateFetching, l.State())

	l.Stop()
	close(f.block)
	<-done

	assert.Equal(t, 1, clock.count(), "nothing scheduled after stop")
	assert.Equal(t, StateIdle, l.State())
	assert.Empty(t, d.ids)
}

func TestEndedSessionStopsRescheduling(t *testing.T) {
	sess := session.New()
	sess.Begin("u1")
	l, clock := newLoop(testCfg, &scriptedFetcher{}, &recordingDispatcher{}, sess, nil)
	l.Start(context.Background(), "u1")
	clock.fire(t)
	require.Equal(t, 2, clock.count())

	sess.End()
	clock.fire(t)
	assert.Equal(t, 2, clock.count())
}

func TestDisplayFailureIsNotFetchFailure(t *testing.T) {
	f := &scriptedFetcher{items: []notification.Notification{{ID: "a", Title: "A"}}}
	d := &recordingDispatcher{err: notification.ErrDisplayFailed}
	l, clock := newLoop(testCfg, f, d, nil, nil)
	l.Start(context.Background(), "u1")
	clock.fire(t)
	clock.fire(t)

	assert.Zero(t, l.Failures())
	assert.Equal(t, []string{"a", "a"}, d.ids, "undisplayed item is retried on the next fetch")
}

func TestStartTwiceIsNoop(t *testing.T) {
	l, clock := newLoop(testCfg, &scriptedFetcher{}, &recordingDispatcher{}, nil, nil)
	l.Start(context.Background(), "u1")
	l.Start(context.Background(), "u1")
	assert.Equal(t, 1, clock.count())
}

func TestRestartAfterStopResetsCounter(t *testing.T) {
	f := &scriptedFetcher{errs: []error{errNetwork}}
	l, clock := newLoop(testCfg, f, &recordingDispatcher{}, nil, nil)
	l.Start(context.Background(), "u1")
	clock.fire(t)
	require.Equal(t, 1, l.Failures())

	l.Stop()
	l.Start(context.Background(), "u1")
	assert.Zero(t, l.Failures())
	assert.Equal(t, time.Duration(0), l.NextDelay())
}

func TestApplyChangesNextInterval(t *testing.T) {
	l, clock := newLoop(testCfg, &scriptedFetcher{}, &recordingDispatcher{}, nil, nil)
	l.Start(context.Background(), "u1")
	l.Apply(Config{Interval: 5 * time.Second, BackoffInterval: time.Minute, MaxFailures: 3})
	clock.fire(t)
	assert.Equal(t, 5*time.Second, l.NextDelay())
}

func TestConfigDefaults(t *testing.T) {
	c := Config{Interval: 10 * time.Minute, BackoffInterval: time.Minute}.withDefaults()
	assert.Equal(t, 10*time.Minute, c.BackoffInterval, "backoff never shorter than interval")
	assert.Equal(t, defaultMaxFailures, c.MaxFailures)
	assert.Equal(t, defaultFetchTimeout, c.FetchTimeout)
}
