// Package poller fetches pending notifications on a timer while the push
// channel is unavailable.
//
// The loop is a small state machine: idle -> fetching -> scheduled ->
// fetching ... A failed fetch delays the next one by the backoff interval
// instead of the normal one. After MaxFailures consecutive failures the loop
// moves to stopped and schedules nothing until it is started again.
package poller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"edunotify/internal/dispatch"
	"edunotify/internal/eventbus"
	"edunotify/internal/notification"
	"edunotify/internal/session"
	logx "edunotify/pkg/logx"
	"edunotify/pkg/metrics"
)

type State string

const (
	StateIdle      State = "idle"
	StateFetching  State = "fetching"
	StateScheduled State = "scheduled"
	StateStopped   State = "stopped"
)

type Config struct {
	Interval        time.Duration
	BackoffInterval time.Duration
	MaxFailures     int
	FetchTimeout    time.Duration
}

const (
	defaultInterval     = 30 * time.Second
	defaultBackoff      = 2 * time.Minute
	defaultMaxFailures  = 20
	defaultFetchTimeout = 15 * time.Second
)

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = defaultInterval
	}
	if c.BackoffInterval <= 0 {
		c.BackoffInterval = defaultBackoff
	}
	if c.BackoffInterval < c.Interval {
		c.BackoffInterval = c.Interval
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = defaultMaxFailures
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = defaultFetchTimeout
	}
	return c
}

type Fetcher interface {
	FetchPending(ctx context.Context, userID string) ([]notification.Notification, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, n notification.Notification) (dispatch.Result, error)
}

type Deps struct {
	Fetcher    Fetcher
	Dispatcher Dispatcher
	// Session, when set, is checked after every fetch; a fetch that finishes
	// after its session generation ended schedules nothing.
	Session *session.Session
	Clock   Clock

	Log     logx.Logger
	Bus     eventbus.Bus
	Metrics *metrics.Metrics
}

// Status is a point-in-time view for diagnostics.
type Status struct {
	State     State
	Failures  int
	NextDelay time.Duration
	LastError string
}

type Loop struct {
	fetcher    Fetcher
	dispatcher Dispatcher
	sess       *session.Session
	clock      Clock
	log        logx.Logger
	bus        eventbus.Bus
	metrics    *metrics.Metrics

	mu          sync.Mutex
	cfg         Config
	state       State
	failures    int
	nextDelay   time.Duration
	lastErr     error
	run         uint64 // bumped by Start and Stop; stale ticks compare against it
	sessGen     uint64
	userID      string
	base        context.Context
	timer       Timer
	cancelFetch context.CancelFunc
}

func New(cfg Config, deps Deps) *Loop {
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	if deps.Bus == nil {
		deps.Bus = eventbus.Nop()
	}
	if deps.Clock == nil {
		deps.Clock = realClock{}
	}
	return &Loop{
		fetcher:    deps.Fetcher,
		dispatcher: deps.Dispatcher,
		sess:       deps.Session,
		clock:      deps.Clock,
		log:        deps.Log.With(logx.String("comp", "poller")),
		bus:        deps.Bus,
		metrics:    deps.Metrics,
		cfg:        cfg.withDefaults(),
		state:      StateIdle,
	}
}

// Apply takes effect from the next scheduling decision.
func (l *Loop) Apply(cfg Config) {
	l.mu.Lock()
	l.cfg = cfg.withDefaults()
	l.mu.Unlock()
}

// Start begins polling for userID with an immediate first fetch. Calling it
// while already running for the same user is a no-op; otherwise it resets
// the failure counter.
func (l *Loop) Start(ctx context.Context, userID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if (l.state == StateFetching || l.state == StateScheduled) && l.userID == userID {
		return
	}
	l.stopLocked()
	l.base = ctx
	l.userID = userID
	l.failures = 0
	l.lastErr = nil
	if l.sess != nil {
		l.sessGen = l.sess.Generation()
	}
	l.scheduleLocked(0)
	l.log.Info("polling started", logx.String("user", userID), logx.Duration("interval", l.cfg.Interval))
}

// Stop cancels the pending timer and any in-flight fetch. A fetch that
// resolves afterwards schedules nothing. Stop is idempotent.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateIdle {
		return
	}
	l.stopLocked()
	l.state = StateIdle
	l.log.Info("polling stopped")
}

func (l *Loop) stopLocked() {
	l.run++
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	if l.cancelFetch != nil {
		l.cancelFetch()
		l.cancelFetch = nil
	}
	l.nextDelay = 0
}

func (l *Loop) scheduleLocked(delay time.Duration) {
	run := l.run
	l.state = StateScheduled
	l.nextDelay = delay
	l.timer = l.clock.AfterFunc(delay, func() { l.tick(run) })
}

func (l *Loop) liveLocked(run uint64) bool {
	if l.run != run || l.state == StateStopped || l.state == StateIdle {
		return false
	}
	if l.sess != nil && !l.sess.Live(l.sessGen) {
		return false
	}
	return true
}

// idleIfSessionEndedLocked parks a run whose session ended underneath it.
func (l *Loop) idleIfSessionEndedLocked(run uint64) {
	if l.run != run || l.state == StateStopped || l.state == StateIdle {
		return
	}
	l.state = StateIdle
	l.timer = nil
	l.cancelFetch = nil
	l.nextDelay = 0
}

func (l *Loop) tick(run uint64) {
	l.mu.Lock()
	if !l.liveLocked(run) {
		l.idleIfSessionEndedLocked(run)
		l.mu.Unlock()
		return
	}
	l.state = StateFetching
	l.timer = nil
	base := l.base
	if base == nil {
		base = context.Background()
	}
	runCtx, cancel := context.WithCancel(base)
	l.cancelFetch = cancel
	userID := l.userID
	timeout := l.cfg.FetchTimeout
	l.mu.Unlock()
	defer cancel()

	fctx, fcancel := context.WithTimeout(runCtx, timeout)
	items, err := l.fetcher.FetchPending(fctx, userID)
	fcancel()
	if err != nil {
		err = fmt.Errorf("%w: %w", notification.ErrFetchFailed, err)
	} else {
		l.deliver(runCtx, run, items)
	}
	l.finish(run, len(items), err)
}

// deliver hands fetched items to the dispatcher in backend order. A display
// failure leaves the item pending for the next fetch.
func (l *Loop) deliver(ctx context.Context, run uint64, items []notification.Notification) {
	for _, n := range items {
		l.mu.Lock()
		live := l.liveLocked(run)
		l.mu.Unlock()
		if !live || ctx.Err() != nil {
			return
		}
		if l.dispatcher == nil {
			continue
		}
		if _, err := l.dispatcher.Dispatch(ctx, n); err != nil {
			l.log.Warn("polled notification not delivered", logx.String("id", n.ID), logx.Err(err))
		}
	}
}

func (l *Loop) finish(run uint64, fetched int, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.liveLocked(run) {
		l.idleIfSessionEndedLocked(run)
		return
	}
	l.cancelFetch = nil

	if err == nil {
		if l.failures > 0 {
			l.log.Info("polling recovered", logx.Int("after_failures", l.failures))
		}
		l.failures = 0
		l.lastErr = nil
		l.metrics.ObserveFetch(fetched, nil, 0)
		l.scheduleLocked(l.cfg.Interval)
		return
	}

	l.failures++
	l.lastErr = err
	l.metrics.ObserveFetch(0, err, l.failures)
	l.bus.Publish(eventbus.Event{Type: eventbus.TypePollerFailure, Data: map[string]any{"failures": l.failures, "error": err.Error()}})

	if l.failures >= l.cfg.MaxFailures {
		l.state = StateStopped
		l.nextDelay = 0
		l.log.Error("notifications unavailable: polling stopped after repeated failures",
			logx.Int("failures", l.failures), logx.Err(err))
		l.bus.Publish(eventbus.Event{Type: eventbus.TypePollerStopped, Data: map[string]any{"failures": l.failures, "error": err.Error()}})
		return
	}
	l.log.Warn("fetch failed, backing off",
		logx.Int("failures", l.failures), logx.Duration("next", l.cfg.BackoffInterval), logx.Err(err))
	l.scheduleLocked(l.cfg.BackoffInterval)
}

func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Loop) Failures() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.failures
}

// NextDelay is the delay used for the currently scheduled fetch.
func (l *Loop) NextDelay() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextDelay
}

func (l *Loop) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := Status{State: l.state, Failures: l.failures, NextDelay: l.nextDelay}
	if l.lastErr != nil {
		st.LastError = l.lastErr.Error()
	}
	return st
}
