package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"edunotify/internal/autoopen"
	"edunotify/internal/backend"
	"edunotify/internal/channel"
	"edunotify/internal/config"
	"edunotify/internal/dispatch"
	"edunotify/internal/eventbus"
	"edunotify/internal/platform/local"
	"edunotify/internal/poller"
	rtsup "edunotify/internal/runtime/supervisor"
	"edunotify/internal/session"
	"edunotify/internal/storage"
	"edunotify/internal/token"
	logx "edunotify/pkg/logx"
	"edunotify/pkg/metrics"
)

// App wires the delivery core to the backend client, the local platform and
// the ambient services (logging, storage, metrics, config reload).
type App struct {
	cfgPath string
	cfgm    *config.Manager
	sup     *rtsup.Supervisor

	root    logx.Logger
	log     logx.Logger
	logs    *logx.Service
	bus     eventbus.Bus
	store   storage.Store
	metrics *metrics.Metrics

	backend *backend.HTTPClient
	worker  *local.Worker
	push    *local.Push

	prefs      *autoopen.Preferences
	opener     *autoopen.Opener
	sess       *session.Session
	dispatcher *dispatch.Dispatcher
	poller     *poller.Loop
	tokens     *token.Manager
	refresher  *token.Refresher
	negotiator *channel.Negotiator
	metricsSrv *MetricsServer
}

type options struct {
	out io.Writer
}

// Option customizes NewApp.
type Option func(*options)

// WithOutput sets where notifications and navigations are rendered
// (default: stdout).
func WithOutput(w io.Writer) Option { return func(o *options) { o.out = w } }

func NewApp(cfgPath string, opts ...Option) (*App, error) {
	o := options{out: os.Stdout}
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	appLog := log.With(logx.String("comp", "app"))
	bus := eventbus.New()
	m := metrics.New()

	sc, _ := mapStorageConfig(cfg)
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	appLog.Info("storage ready", logx.String("driver", sc.Driver))

	// Everything below is validated by validateConfig; errors are only
	// checked where construction itself can fail.
	bc, _ := mapBackendConfig(cfg)
	be, err := backend.NewHTTPClient(bc, log.With(logx.String("comp", "backend")))
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	dc, _ := mapDispatchConfig(cfg)
	pc, _ := mapPollerConfig(cfg)
	tc, _ := mapTokenConfig(cfg)
	ac, _ := mapAutoOpenConfig(cfg)
	answer, _ := mapPermissionAnswer(cfg)
	bgDelay, _ := mapBackgroundDelay(cfg)
	refreshSpec, _ := mapRefreshSchedule(cfg)

	console := local.NewConsole(o.out, log)
	worker := local.NewWorker(console, bgDelay, log)
	perms := local.NewPermissions(store, answer)
	push := local.NewPush(cfg.Push.RelayURL, store, log)
	nav := local.NewNavigator(o.out, log)

	prefs := autoopen.NewPreferences(store, cfg.AutoOpen.Default)
	opener := autoopen.NewOpener(ac, prefs, nav, log.With(logx.String("comp", "autoopen")), bus, m)

	sess := session.New()
	disp := dispatch.New(dc, dispatch.Deps{
		Background: worker,
		Page:       console,
		Reporter:   be,
		Store:      store,
		Opener:     opener,
		Session:    sess,
		Log:        log,
		Bus:        bus,
		Metrics:    m,
	})
	loop := poller.New(pc, poller.Deps{
		Fetcher:    be,
		Dispatcher: disp,
		Session:    sess,
		Log:        log,
		Bus:        bus,
		Metrics:    m,
	})
	tokens := token.NewManager(tc, token.Deps{
		Push:        push,
		Permissions: perms,
		Registrar:   be,
		Store:       store,
		Log:         log,
		Bus:         bus,
	})
	refresher, err := token.NewRefresher(tokens, refreshSpec, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	a := &App{
		cfgPath:    cfgPath,
		cfgm:       cfgm,
		root:       log,
		log:        appLog,
		logs:       logSvc,
		bus:        bus,
		store:      store,
		metrics:    m,
		backend:    be,
		worker:     worker,
		push:       push,
		prefs:      prefs,
		opener:     opener,
		sess:       sess,
		dispatcher: disp,
		poller:     loop,
		tokens:     tokens,
		refresher:  refresher,
	}
	a.metricsSrv = NewMetricsServer(mapMetricsConfig(cfg), m.Handler(), func() any { return a.Status() },
		log.With(logx.String("comp", "metrics")))
	return a, nil
}

// Preferences gives access to the persisted auto-open preference.
func (a *App) Preferences() *autoopen.Preferences { return a.prefs }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start launches the background worker, the dispatcher's acknowledgment
// pump, token refresh, the metrics server and config hot reload. It does not
// connect a user; call Connect for that.
func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return errors.New("app already started")
	}
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	cfg := a.cfgm.Get()
	cc, _ := mapChannelConfig(cfg)
	a.negotiator = channel.New(a.sup.Context(), cc, channel.Deps{
		Session:    a.sess,
		Tokens:     a.tokens,
		Push:       a.push,
		Poller:     a.poller,
		Dispatcher: a.dispatcher,
		Tester:     a.backend,
		Store:      a.store,
		Log:        a.root,
		Bus:        a.bus,
		Metrics:    a.metrics,
	})

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateConfig(cfg)
	})

	a.sup.Go("background.worker", a.worker.Run)
	a.sup.Go("dispatch.acks", a.dispatcher.Run)
	if err := a.refresher.Start(a.sup.Context()); err != nil {
		return err
	}
	if a.metricsSrv.Enabled() {
		a.metricsSrv.Start(a.sup.Context())
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data), logx.Time("time", e.Time))
			}
		}
	})

	interval, _ := mapStatusInterval(cfg)
	a.sup.Go0("status.log", func(c context.Context) { a.statusLoop(c, interval) })

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started", logx.String("config", a.cfgPath))
	return nil
}

// applyConfig pushes a validated config to every running component.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}

	a.logs.Apply(mapLogConfig(newCfg))

	if pc, err := mapPollerConfig(newCfg); err == nil {
		a.poller.Apply(pc)
	}
	if dc, err := mapDispatchConfig(newCfg); err == nil {
		a.dispatcher.Apply(dc)
	}
	if cc, err := mapChannelConfig(newCfg); err == nil {
		a.negotiator.Apply(cc)
	}
	if tc, err := mapTokenConfig(newCfg); err == nil {
		a.tokens.Apply(tc)
	}
	a.metricsSrv.Reconfigure(ctx, mapMetricsConfig(newCfg))

	for _, s := range sections {
		switch s {
		case "backend", "storage", "auto_open":
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}
	if oldCfg != nil && (oldCfg.Push.RelayURL != newCfg.Push.RelayURL ||
		oldCfg.Push.RefreshSchedule != newCfg.Push.RefreshSchedule ||
		oldCfg.Push.PermissionAnswer != newCfg.Push.PermissionAnswer) {
		a.log.Warn("push platform settings changed; restart required for changes to take effect")
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config applied", fields...)
}

func (a *App) statusLoop(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			st := a.Status()
			if st.UserID == "" {
				continue
			}
			a.log.Info("status",
				logx.String("user", st.UserID),
				logx.String("mode", string(st.Mode)),
				logx.Bool("active", st.Active),
				logx.Bool("token", st.HasToken),
				logx.Time("token_registered", st.TokenRegisteredAt),
				logx.String("poller", string(st.Poller.State)),
				logx.Int("poll_failures", st.Poller.Failures),
				logx.String("last_error", st.LastError),
			)
		}
	}
}

// Connect begins a delivery session for userID.
func (a *App) Connect(ctx context.Context, userID string) error {
	if a.negotiator == nil {
		return errors.New("app not started")
	}
	return a.negotiator.Connect(ctx, userID)
}

// SendTest asks the backend for a test notification to the connected user.
func (a *App) SendTest(ctx context.Context) (string, error) {
	if a.negotiator == nil {
		return "", errors.New("app not started")
	}
	return a.negotiator.SendTest(ctx)
}

// Status is the negotiator's diagnostic snapshot; zero before Start.
func (a *App) Status() channel.Status {
	if a.negotiator == nil {
		return channel.Status{}
	}
	return a.negotiator.Status()
}

// Stop disconnects the session and shuts every component down. Each step is
// bounded so one component cannot stall the whole stop.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		if a.store != nil {
			_ = a.store.Close()
		}
		if a.logs != nil {
			_ = a.logs.Close()
		}
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// The session is ended before the supervisor context so polling and
	// dispatch see an inactive session rather than canceled calls.
	a.step(ctx, "disconnect", 5*time.Second, func(c context.Context) error {
		a.negotiator.Disconnect(c)
		return nil
	})

	a.sup.Cancel()

	a.step(ctx, "token.refresh", 2*time.Second, func(c context.Context) error { a.refresher.Stop(c); return nil })
	a.step(ctx, "autoopen", time.Second, func(context.Context) error { a.opener.Stop(); return nil })
	a.step(ctx, "metrics", time.Second, func(c context.Context) error { a.metricsSrv.Stop(c); return nil })
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step with an upper bound, never extending the
// caller's deadline.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped: deadline reached", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			if err := <-done; err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
			}
		}()
	}
}
