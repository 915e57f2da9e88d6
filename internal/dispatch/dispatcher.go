// Package dispatch puts pending notifications on screen and reports them
// delivered.
//
// Display walks an ordered chain of strategies: a round trip through the
// background context confirmed by an ack, a direct render by the background
// context, and the in-page surface. The first success wins. Only a displayed
// notification is reported to the backend, and each id is reported at most
// once no matter how many times it arrives.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"edunotify/internal/eventbus"
	"edunotify/internal/notification"
	"edunotify/internal/platform"
	"edunotify/internal/session"
	"edunotify/internal/storage"
	logx "edunotify/pkg/logx"
	"edunotify/pkg/metrics"
)

var ErrSessionInactive = errors.New("dispatch: session is not active")

type Config struct {
	AckTimeout    time.Duration
	RenderTimeout time.Duration
	DedupTTL      time.Duration
}

const (
	defaultAckTimeout    = 3 * time.Second
	defaultRenderTimeout = 2 * time.Second
	defaultDedupTTL      = 24 * time.Hour
	pruneInterval        = time.Hour
)

func (c Config) withDefaults() Config {
	if c.AckTimeout <= 0 {
		c.AckTimeout = defaultAckTimeout
	}
	if c.RenderTimeout <= 0 {
		c.RenderTimeout = defaultRenderTimeout
	}
	if c.DedupTTL <= 0 {
		c.DedupTTL = defaultDedupTTL
	}
	return c
}

// Reporter is the backend call made once a notification is displayed.
type Reporter interface {
	MarkDelivered(ctx context.Context, notificationID string) error
}

// AutoOpener is consulted for every displayed notification.
type AutoOpener interface {
	Consider(ctx context.Context, n notification.Notification) bool
}

type Deps struct {
	Background platform.Background
	Page       platform.Page
	Reporter   Reporter
	Store      storage.Store
	Opener     AutoOpener
	// Session, when set, makes Dispatch refuse work once it has ended.
	Session *session.Session

	Log     logx.Logger
	Bus     eventbus.Bus
	Metrics *metrics.Metrics
}

type Option func(*Dispatcher)

// WithStrategies replaces the default display chain.
func WithStrategies(s ...Strategy) Option {
	return func(d *Dispatcher) { d.strategies = s }
}

// Result describes what Dispatch did with one notification.
type Result struct {
	ID string
	// Path is the strategy that displayed it. Empty for duplicates.
	Path       string
	Displayed  bool
	Reported   bool
	Duplicate  bool
	AutoOpened bool
}

type call struct {
	done chan struct{}
	res  Result
	err  error
}

type Dispatcher struct {
	bg       platform.Background
	reporter Reporter
	opener   AutoOpener
	sess     *session.Session
	log      logx.Logger
	bus      eventbus.Bus
	metrics  *metrics.Metrics

	t          *timeouts
	acks       *ackRegistry
	ledger     *ledger
	strategies []Strategy

	mu       sync.Mutex
	cfg      Config
	inflight map[string]*call
}

func New(cfg Config, deps Deps, opts ...Option) *Dispatcher {
	cfg = cfg.withDefaults()
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	if deps.Bus == nil {
		deps.Bus = eventbus.Nop()
	}
	d := &Dispatcher{
		bg:       deps.Background,
		reporter: deps.Reporter,
		opener:   deps.Opener,
		sess:     deps.Session,
		log:      deps.Log.With(logx.String("comp", "dispatch")),
		bus:      deps.Bus,
		metrics:  deps.Metrics,
		t:        &timeouts{},
		acks:     newAckRegistry(),
		ledger:   newLedger(cfg.DedupTTL, deps.Store),
		cfg:      cfg,
		inflight: map[string]*call{},
	}
	d.t.set(cfg.AckTimeout, cfg.RenderTimeout)
	d.strategies = []Strategy{
		&roundTrip{bg: deps.Background, acks: d.acks, t: d.t},
		&directRender{bg: deps.Background, t: d.t},
		&inPage{page: deps.Page},
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Apply swaps timeouts at runtime. The dedup TTL applies to new entries only.
func (d *Dispatcher) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	d.mu.Lock()
	d.cfg = cfg
	d.mu.Unlock()
	d.t.set(cfg.AckTimeout, cfg.RenderTimeout)
}

// Run routes background acks to waiting round trips and prunes the
// delivered ledger until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	var acks <-chan platform.Ack
	if d.bg != nil {
		acks = d.bg.Acks()
	}
	prune := time.NewTicker(pruneInterval)
	defer prune.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case a, ok := <-acks:
			if !ok {
				acks = nil
				continue
			}
			if !d.acks.deliver(a) {
				d.log.Debug("ack without waiter", logx.String("tag", a.Tag), logx.String("status", string(a.Status)))
			}
		case <-prune.C:
			d.mu.Lock()
			ttl := d.cfg.DedupTTL
			d.mu.Unlock()
			if n, err := d.ledger.prune(ctx, time.Now().Add(-ttl)); err != nil {
				d.log.Warn("ledger prune failed", logx.Err(err))
			} else if n > 0 {
				d.log.Debug("ledger pruned", logx.Int("entries", n))
			}
		}
	}
}

// Dispatch displays n and reports it delivered. Concurrent calls for the
// same id share one attempt; the followers get Duplicate set.
//
// When every display path fails the error wraps notification.ErrDisplayFailed
// and the notification is left pending on the backend.
func (d *Dispatcher) Dispatch(ctx context.Context, n notification.Notification) (Result, error) {
	if err := notification.Validate(n); err != nil {
		return Result{ID: n.ID}, fmt.Errorf("dispatch: invalid notification: %w", err)
	}
	if d.sess != nil && !d.sess.Active() {
		return Result{ID: n.ID}, ErrSessionInactive
	}

	d.mu.Lock()
	if c, ok := d.inflight[n.ID]; ok {
		d.mu.Unlock()
		select {
		case <-c.done:
		case <-ctx.Done():
			return Result{ID: n.ID}, ctx.Err()
		}
		res := c.res
		if c.err == nil {
			res.Duplicate = true
			res.AutoOpened = false
		}
		return res, c.err
	}
	c := &call{done: make(chan struct{})}
	d.inflight[n.ID] = c
	d.mu.Unlock()

	c.res, c.err = d.dispatch(ctx, n)

	d.mu.Lock()
	delete(d.inflight, n.ID)
	d.mu.Unlock()
	close(c.done)
	return c.res, c.err
}

func (d *Dispatcher) dispatch(ctx context.Context, n notification.Notification) (Result, error) {
	res := Result{ID: n.ID}
	log := d.log.With(logx.String("id", n.ID))

	st, err := d.ledger.state(ctx, n.ID)
	if err != nil {
		log.Warn("ledger lookup failed", logx.Err(err))
	}
	switch st {
	case stateReported:
		res.Duplicate, res.Displayed, res.Reported = true, true, true
		d.metrics.ObserveDuplicate()
		d.bus.Publish(eventbus.Event{Type: eventbus.TypeDuplicate, Data: map[string]string{"id": n.ID}})
		log.Debug("duplicate skipped")
		return res, nil
	case stateDisplayed:
		// Shown earlier but the report failed; retry the report only.
		res.Duplicate, res.Displayed = true, true
		res.Reported = d.report(ctx, log, n.ID)
		return res, nil
	}

	path, err := d.display(ctx, log, n)
	if err != nil {
		d.bus.Publish(eventbus.Event{Type: eventbus.TypeDisplayFailed, Data: map[string]string{"id": n.ID, "error": err.Error()}})
		return res, err
	}
	res.Displayed, res.Path = true, path
	d.ledger.displayed(n.ID)
	d.bus.Publish(eventbus.Event{Type: eventbus.TypeDisplayed, Data: map[string]string{"id": n.ID, "path": path}})

	res.Reported = d.report(ctx, log, n.ID)
	if d.opener != nil {
		res.AutoOpened = d.opener.Consider(ctx, n)
	}
	return res, nil
}

func (d *Dispatcher) display(ctx context.Context, log logx.Logger, n notification.Notification) (string, error) {
	var errs []error
	for _, s := range d.strategies {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		err := s.Display(ctx, n)
		if err == nil {
			d.metrics.ObserveDisplay(s.Name(), "ok")
			log.Debug("displayed", logx.String("path", s.Name()))
			return s.Name(), nil
		}
		outcome := "error"
		if errors.Is(err, notification.ErrDeliveryConfirmationTimeout) || errors.Is(err, context.DeadlineExceeded) {
			outcome = "timeout"
		}
		d.metrics.ObserveDisplay(s.Name(), outcome)
		log.Debug("display path failed", logx.String("path", s.Name()), logx.Err(err))
		errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
	}
	err := fmt.Errorf("%w: %w", notification.ErrDisplayFailed, errors.Join(errs...))
	log.Warn("notification not displayed", logx.Err(err))
	return "", err
}

// report tells the backend n was delivered. A failed report keeps the
// displayed state so the next arrival of the id retries only the report.
func (d *Dispatcher) report(ctx context.Context, log logx.Logger, id string) bool {
	if d.reporter == nil {
		return false
	}
	if err := d.reporter.MarkDelivered(ctx, id); err != nil {
		log.Warn("delivered report failed", logx.Err(err))
		return false
	}
	if err := d.ledger.reported(ctx, id, time.Now()); err != nil {
		log.Warn("ledger write failed", logx.Err(err))
	}
	d.metrics.ObserveDelivered()
	d.bus.Publish(eventbus.Event{Type: eventbus.TypeDelivered, Data: map[string]string{"id": id}})
	return true
}

// PendingAcks reports how many round trips are waiting for an ack.
func (d *Dispatcher) PendingAcks() int { return d.acks.pending() }
