// Package channel decides which delivery channel is active for a session.
//
// The Negotiator is the only writer of the session mode. Connect tries push
// first and falls back to polling; push is demoted to polling only on an
// explicit failure signal (verification timeout, listener give-up or
// ReportPushFailure), never the other way round within a session.
// Connect, Disconnect and demotions are serialized.
package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"edunotify/internal/backend"
	"edunotify/internal/dispatch"
	"edunotify/internal/eventbus"
	"edunotify/internal/notification"
	"edunotify/internal/platform"
	"edunotify/internal/poller"
	rtsup "edunotify/internal/runtime/supervisor"
	"edunotify/internal/session"
	"edunotify/internal/storage"
	logx "edunotify/pkg/logx"
	"edunotify/pkg/metrics"
)

type Config struct {
	PushEnabled bool
	// ConnectTimeout bounds permission prompt, token acquisition and registration.
	ConnectTimeout time.Duration
	// VerifyTimeout is how long a fresh push channel has to deliver the test
	// notification before it is demoted.
	VerifyTimeout time.Duration
	SkipVerify    bool
	// ListenRestarts is how often a broken push listener is restarted before
	// the channel is demoted.
	ListenRestarts int
}

const (
	defaultConnectTimeout = 10 * time.Second
	defaultVerifyTimeout  = 8 * time.Second
	defaultListenRestarts = 3
	unregisterTimeout     = 5 * time.Second
)

// ErrConnectAborted is returned by a Connect that was cut short by Disconnect.
var ErrConnectAborted = errors.New("channel: connect aborted by disconnect")

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.VerifyTimeout <= 0 {
		c.VerifyTimeout = defaultVerifyTimeout
	}
	if c.ListenRestarts <= 0 {
		c.ListenRestarts = defaultListenRestarts
	}
	return c
}

// Tokens is the token lifecycle as seen by the negotiator.
type Tokens interface {
	Acquire(ctx context.Context, userID string) (string, error)
	Unregister(ctx context.Context, userID string)
	Token() string
	RegisteredAt() time.Time
}

type Poller interface {
	Start(ctx context.Context, userID string)
	Stop()
	Status() poller.Status
}

type Dispatcher interface {
	Dispatch(ctx context.Context, n notification.Notification) (dispatch.Result, error)
}

type Tester interface {
	SendTest(ctx context.Context, req backend.TestRequest) (string, error)
}

type Deps struct {
	Session    *session.Session
	Tokens     Tokens
	Push       platform.PushService
	Poller     Poller
	Dispatcher Dispatcher
	Tester     Tester
	Store      storage.Store

	Log     logx.Logger
	Bus     eventbus.Bus
	Metrics *metrics.Metrics
}

// Status is a diagnostic snapshot.
type Status struct {
	UserID    string
	Mode      notification.Mode
	Active    bool
	HasToken  bool
	Poller    poller.Status
	LastError string
	Since     time.Time

	// TokenRegisteredAt is zero unless a push token is registered.
	TokenRegisteredAt time.Time
}

type Negotiator struct {
	base       context.Context
	sess       *session.Session
	tokens     Tokens
	push       platform.PushService
	poller     Poller
	dispatcher Dispatcher
	tester     Tester
	store      storage.Store
	log        logx.Logger
	bus        eventbus.Bus
	metrics    *metrics.Metrics

	// connMu orders Connect, Disconnect and demotions.
	connMu   sync.Mutex
	listener *rtsup.Supervisor

	mu      sync.Mutex
	cfg     Config
	lastErr error
	since   time.Time
	verify  *verification
	// abort cancels the token acquisition of an in-flight Connect.
	abort context.CancelCauseFunc
}

// New builds a Negotiator. Long-running work (push listener, polling,
// verification) lives under ctx, not under the ctx passed to Connect.
func New(ctx context.Context, cfg Config, deps Deps) *Negotiator {
	if ctx == nil {
		ctx = context.Background()
	}
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	if deps.Bus == nil {
		deps.Bus = eventbus.Nop()
	}
	if deps.Session == nil {
		deps.Session = session.New()
	}
	return &Negotiator{
		base:       ctx,
		sess:       deps.Session,
		tokens:     deps.Tokens,
		push:       deps.Push,
		poller:     deps.Poller,
		dispatcher: deps.Dispatcher,
		tester:     deps.Tester,
		store:      deps.Store,
		log:        deps.Log.With(logx.String("comp", "channel")),
		bus:        deps.Bus,
		metrics:    deps.Metrics,
		cfg:        cfg.withDefaults(),
	}
}

func (n *Negotiator) Apply(cfg Config) {
	n.mu.Lock()
	n.cfg = cfg.withDefaults()
	n.mu.Unlock()
}

func (n *Negotiator) config() Config {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.cfg
}

// Session exposes the state object shared with the poller and dispatcher.
func (n *Negotiator) Session() *session.Session { return n.sess }

// Mode returns the active delivery mode.
func (n *Negotiator) Mode() notification.Mode { return n.sess.Mode() }

// Connect establishes delivery for userID. It is idempotent for an already
// connected user and never fails because push is unavailable: in that case
// the session runs in polling mode and the reason is kept in Status.
// A Disconnect during token acquisition ends it with ErrConnectAborted.
func (n *Negotiator) Connect(ctx context.Context, userID string) error {
	if userID == "" {
		return errors.New("channel: user id required")
	}
	n.connMu.Lock()
	defer n.connMu.Unlock()

	if n.sess.Active() {
		if n.sess.UserID() == userID && n.sess.Mode() != notification.ModeDisabled {
			return nil
		}
		n.teardownLocked(ctx)
	}

	if prev, ok := n.lastMode(ctx); ok {
		n.log.Debug("previous session mode", logx.String("mode", string(prev)))
	}

	gen := n.sess.Begin(userID)
	log := n.log.With(logx.String("user", userID))
	cfg := n.config()

	if !cfg.PushEnabled || n.tokens == nil {
		n.startPollingLocked(gen, userID, errors.New("push disabled"))
		return nil
	}

	cctx, abort := context.WithCancelCause(ctx)
	actx, cancel := context.WithTimeout(cctx, cfg.ConnectTimeout)
	n.mu.Lock()
	n.abort = abort
	n.mu.Unlock()
	tok, err := n.tokens.Acquire(actx, userID)
	n.mu.Lock()
	n.abort = nil
	n.mu.Unlock()
	cancel()
	aborted := errors.Is(context.Cause(cctx), ErrConnectAborted)
	abort(nil)
	if err != nil && aborted {
		n.sess.End()
		log.Info("connect aborted by disconnect")
		return ErrConnectAborted
	}
	if err != nil {
		switch {
		case errors.Is(err, notification.ErrUnsupportedPlatform):
			log.Info("push unsupported on this platform")
		case errors.Is(err, notification.ErrPermissionDenied):
			log.Info("notification permission denied")
		default:
			log.Warn("push unavailable", logx.Err(err), logx.Bool("retryable", notification.IsRetryable(err)))
		}
		n.startPollingLocked(gen, userID, err)
		return nil
	}

	n.setModeLocked(gen, notification.ModePush, nil)
	n.startListenerLocked(gen, tok)
	if !cfg.SkipVerify && n.tester != nil && n.listener != nil {
		n.startVerificationLocked(gen, userID, cfg.VerifyTimeout)
	}
	log.Info("push delivery active")
	return nil
}

// Disconnect stops all delivery for the session. It cancels the polling
// timer, stops the push listener and unregisters the token (best effort).
// Calling it again is a no-op. A Connect still waiting for a token is
// aborted first.
func (n *Negotiator) Disconnect(ctx context.Context) {
	n.mu.Lock()
	abort := n.abort
	n.mu.Unlock()
	if abort != nil {
		abort(ErrConnectAborted)
	}
	n.connMu.Lock()
	defer n.connMu.Unlock()
	n.teardownLocked(ctx)
}

func (n *Negotiator) teardownLocked(ctx context.Context) {
	if !n.sess.Active() {
		return
	}
	userID, mode := n.sess.UserID(), n.sess.Mode()
	n.sess.End()

	if n.poller != nil {
		n.poller.Stop()
	}
	n.stopListenerLocked()
	if mode == notification.ModePush && n.tokens != nil {
		uctx, cancel := context.WithTimeout(ctx, unregisterTimeout)
		n.tokens.Unregister(uctx, userID)
		cancel()
	}

	n.mu.Lock()
	n.verify = nil
	n.since = time.Now()
	n.mu.Unlock()
	n.recordMode(notification.ModeDisabled)
	n.log.Info("delivery disconnected", logx.String("user", userID), logx.String("was", string(mode)))
}

// ReportPushFailure demotes an active push channel to polling. It is the
// explicit failure signal; nothing else moves the mode away from push.
func (n *Negotiator) ReportPushFailure(err error) {
	if err == nil {
		err = errors.New("push failure reported")
	}
	n.demote(n.sess.Generation(), err)
}

func (n *Negotiator) demote(gen uint64, reason error) {
	n.connMu.Lock()
	defer n.connMu.Unlock()
	if !n.sess.Live(gen) || n.sess.Mode() != notification.ModePush {
		return
	}
	userID := n.sess.UserID()
	n.log.Warn("push channel not functional, switching to polling", logx.String("user", userID), logx.Err(reason))

	n.stopListenerLocked()
	if n.tokens != nil {
		// The backend must stop pushing before polling starts, or both
		// channels would deliver.
		uctx, cancel := context.WithTimeout(n.base, unregisterTimeout)
		n.tokens.Unregister(uctx, userID)
		cancel()
	}
	n.mu.Lock()
	n.verify = nil
	n.mu.Unlock()
	n.startPollingLocked(gen, userID, reason)
}

func (n *Negotiator) startPollingLocked(gen uint64, userID string, reason error) {
	if !n.setModeLocked(gen, notification.ModePolling, reason) {
		return
	}
	if n.poller != nil {
		n.poller.Start(n.base, userID)
	}
}

// setModeLocked records a transition for gen. It reports false when gen is
// no longer live.
func (n *Negotiator) setModeLocked(gen uint64, mode notification.Mode, reason error) bool {
	if !n.sess.SetMode(gen, mode) {
		return false
	}
	n.mu.Lock()
	n.lastErr = reason
	n.since = time.Now()
	n.mu.Unlock()
	n.recordMode(mode)
	return true
}

func (n *Negotiator) recordMode(mode notification.Mode) {
	n.metrics.SetMode(string(mode))
	n.bus.Publish(eventbus.Event{Type: eventbus.TypeModeChanged, Data: string(mode)})
	if n.store != nil {
		if err := n.store.PutSetting(n.base, storage.KeyLastMode, string(mode)); err != nil {
			n.log.Debug("persist mode failed", logx.Err(err))
		}
	}
}

func (n *Negotiator) lastMode(ctx context.Context) (notification.Mode, bool) {
	if n.store == nil {
		return "", false
	}
	v, ok, err := n.store.GetSetting(ctx, storage.KeyLastMode)
	if err != nil || !ok {
		return "", false
	}
	return notification.ParseMode(v), true
}

func (n *Negotiator) startListenerLocked(gen uint64, tok string) {
	if n.push == nil {
		return
	}
	cfg := n.config()
	sup := rtsup.New(n.base, rtsup.WithLogger(n.log), rtsup.WithCancelOnError(false))
	n.listener = sup
	sup.GoRestart("push.listen", func(ctx context.Context) error {
		return n.push.Listen(ctx, tok, func(msg notification.Notification) {
			if _, err := n.HandlePush(ctx, msg); err != nil {
				n.log.Warn("push notification not delivered", logx.String("id", msg.ID), logx.Err(err))
			}
		})
	}, func(err error) {
		// Runs inside the listener supervisor; demote stops that supervisor.
		go n.demote(gen, fmt.Errorf("push listener gave up: %w", err))
	}, rtsup.WithMaxRestarts(cfg.ListenRestarts))
}

func (n *Negotiator) stopListenerLocked() {
	sup := n.listener
	n.listener = nil
	if sup == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sup.Stop(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		n.log.Debug("push listener stopped with error", logx.Err(err))
	}
}

// HandlePush dispatches a notification received over the push channel.
func (n *Negotiator) HandlePush(ctx context.Context, msg notification.Notification) (dispatch.Result, error) {
	if !n.sess.Active() {
		return dispatch.Result{ID: msg.ID}, dispatch.ErrSessionInactive
	}
	if n.dispatcher == nil {
		return dispatch.Result{ID: msg.ID}, errors.New("channel: no dispatcher")
	}
	res, err := n.dispatcher.Dispatch(ctx, msg)
	if err == nil && res.Displayed {
		n.mu.Lock()
		v := n.verify
		n.mu.Unlock()
		v.observe(msg.ID)
	}
	return res, err
}

// startVerificationLocked runs under the listener supervisor, so stopping
// the listener also ends verification.
func (n *Negotiator) startVerificationLocked(gen uint64, userID string, timeout time.Duration) {
	v := newVerification()
	n.mu.Lock()
	n.verify = v
	n.mu.Unlock()

	n.listener.Go0("push.verify", func(ctx context.Context) {
		id, err := n.SendTest(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			go n.demote(gen, fmt.Errorf("push verification: %w", err))
			return
		}
		if id == "" {
			n.log.Debug("test notification has no id, skipping verification")
			return
		}
		v.expect(id)

		t := time.NewTimer(timeout)
		defer t.Stop()
		select {
		case <-v.done:
			n.log.Info("push verified", logx.String("user", userID))
		case <-t.C:
			go n.demote(gen, fmt.Errorf("push verification: test notification not displayed within %s", timeout))
		case <-ctx.Done():
		}
	})
}

// SendTest asks the backend to push a test notification to the connected
// user and returns its id.
func (n *Negotiator) SendTest(ctx context.Context) (string, error) {
	if n.tester == nil {
		return "", errors.New("channel: no backend configured")
	}
	userID := n.sess.UserID()
	if userID == "" || !n.sess.Active() {
		return "", dispatch.ErrSessionInactive
	}
	return n.tester.SendTest(ctx, backend.TestRequest{
		UserID:   userID,
		Title:    "Notifications enabled",
		Body:     "You will receive notifications on this device.",
		Priority: notification.PriorityNormal,
		Tag:      "verify-" + uuid.NewString(),
	})
}

func (n *Negotiator) Status() Status {
	snap := n.sess.Snapshot()
	st := Status{UserID: snap.UserID, Mode: snap.Mode, Active: snap.Active}
	if n.tokens != nil {
		st.HasToken = n.tokens.Token() != ""
		st.TokenRegisteredAt = n.tokens.RegisteredAt()
	}
	if n.poller != nil {
		st.Poller = n.poller.Status()
	}
	n.mu.Lock()
	if n.lastErr != nil {
		st.LastError = n.lastErr.Error()
	}
	st.Since = n.since
	n.mu.Unlock()
	return st
}

// verification waits for one specific push to be displayed. Pushes seen
// before the id is known are remembered so a fast push is not missed.
type verification struct {
	mu     sync.Mutex
	want   string
	seen   map[string]struct{}
	done   chan struct{}
	closed bool
}

func newVerification() *verification {
	return &verification{seen: map[string]struct{}{}, done: make(chan struct{})}
}

func (v *verification) observe(id string) {
	if v == nil {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.want != "" && id == v.want {
		v.closeLocked()
		return
	}
	v.seen[id] = struct{}{}
}

func (v *verification) expect(id string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.want = id
	if _, ok := v.seen[id]; ok {
		v.closeLocked()
	}
}

func (v *verification) closeLocked() {
	if !v.closed {
		v.closed = true
		close(v.done)
	}
}
