package autoopen

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"edunotify/internal/eventbus"
	"edunotify/internal/notification"
	"edunotify/internal/platform"
	"edunotify/internal/storage"
	logx "edunotify/pkg/logx"
	"edunotify/pkg/metrics"
)

// Preferences reads and writes the persisted auto-open preference.
// Only explicit user action should call Set.
type Preferences struct {
	store storage.Store
	def   bool
}

func NewPreferences(store storage.Store, def bool) *Preferences {
	return &Preferences{store: store, def: def}
}

// Enabled returns the stored preference, or the default when unset or unreadable.
func (p *Preferences) Enabled(ctx context.Context) bool {
	if p == nil || p.store == nil {
		return false
	}
	v, ok, err := p.store.GetSetting(ctx, storage.KeyAutoOpen)
	if err != nil || !ok {
		return p.def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return p.def
	}
	return b
}

func (p *Preferences) Set(ctx context.Context, enabled bool) error {
	return p.store.PutSetting(ctx, storage.KeyAutoOpen, strconv.FormatBool(enabled))
}

type Config struct {
	Delay       time.Duration
	FallbackURL string
	RootPaths   []string
}

// Opener evaluates the policy for displayed notifications and navigates
// after Delay so the notification is visible first.
type Opener struct {
	policy   Policy
	prefs    *Preferences
	nav      platform.Navigator
	log      logx.Logger
	bus      eventbus.Bus
	metrics  *metrics.Metrics
	delay    time.Duration
	fallback string

	mu      sync.Mutex
	pending map[string]*time.Timer
}

func NewOpener(cfg Config, prefs *Preferences, nav platform.Navigator, log logx.Logger, bus eventbus.Bus, m *metrics.Metrics) *Opener {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	if cfg.Delay < 0 {
		cfg.Delay = 0
	}
	if strings.TrimSpace(cfg.FallbackURL) == "" {
		cfg.FallbackURL = "/notifications"
	}
	return &Opener{
		policy:   Policy{RootPaths: cfg.RootPaths},
		prefs:    prefs,
		nav:      nav,
		log:      log,
		bus:      bus,
		metrics:  m,
		delay:    cfg.Delay,
		fallback: cfg.FallbackURL,
		pending:  map[string]*time.Timer{},
	}
}

// Consider decides for n and, when the answer is yes, schedules navigation.
// It never blocks on the navigation itself.
func (o *Opener) Consider(ctx context.Context, n notification.Notification) bool {
	if o == nil || o.nav == nil {
		return false
	}
	if !o.policy.ShouldAutoOpen(n, o.prefs.Enabled(ctx)) {
		return false
	}
	target := strings.TrimSpace(n.ActionURL)
	if target == "" {
		target = o.fallback
	}

	o.mu.Lock()
	if t, ok := o.pending[n.ID]; ok {
		t.Stop()
	}
	o.pending[n.ID] = time.AfterFunc(o.delay, func() {
		o.mu.Lock()
		delete(o.pending, n.ID)
		o.mu.Unlock()

		nctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := o.nav.Navigate(nctx, target); err != nil {
			o.log.Warn("auto-open navigation failed", logx.String("id", n.ID), logx.String("url", target), logx.Err(err))
			return
		}
		o.metrics.ObserveAutoOpen()
		o.bus.Publish(eventbus.Event{Type: eventbus.TypeAutoOpened, Data: map[string]string{"id": n.ID, "url": target}})
	})
	o.mu.Unlock()

	o.log.Debug("auto-open scheduled", logx.String("id", n.ID), logx.String("url", target), logx.Duration("delay", o.delay))
	return true
}

// Stop cancels navigations that have not fired yet.
func (o *Opener) Stop() {
	if o == nil {
		return
	}
	o.mu.Lock()
	for id, t := range o.pending {
		t.Stop()
		delete(o.pending, id)
	}
	o.mu.Unlock()
}
