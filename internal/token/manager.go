// Package token acquires the push identity token from the host platform and
// keeps its registration with the backend current.
package token

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"edunotify/internal/backend"
	"edunotify/internal/eventbus"
	"edunotify/internal/notification"
	"edunotify/internal/platform"
	"edunotify/internal/storage"
	logx "edunotify/pkg/logx"
)

// Registrar is the backend side of token registration.
type Registrar interface {
	RegisterToken(ctx context.Context, req backend.RegisterRequest) error
	UnregisterToken(ctx context.Context, userID string) error
}

type Config struct {
	DeviceType string
	ClientInfo string
	// AcquireTimeout bounds the permission prompt plus token acquisition.
	AcquireTimeout time.Duration
}

const defaultAcquireTimeout = 10 * time.Second

type Deps struct {
	Push        platform.PushService
	Permissions platform.Permissions
	Registrar   Registrar
	Store       storage.Store
	Log         logx.Logger
	Bus         eventbus.Bus
}

type Manager struct {
	push  platform.PushService
	perms platform.Permissions
	reg   Registrar
	store storage.Store
	log   logx.Logger
	bus   eventbus.Bus

	// regMu orders backend registration against Unregister.
	regMu sync.Mutex

	mu      sync.Mutex
	cfg     Config
	denied  bool // remembered for the process; never prompt again
	token   string
	userID  string
	refresh time.Time
	// epoch is bumped by Unregister.
	epoch uint64
}

func NewManager(cfg Config, deps Deps) *Manager {
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	if deps.Bus == nil {
		deps.Bus = eventbus.Nop()
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = defaultAcquireTimeout
	}
	if strings.TrimSpace(cfg.DeviceType) == "" {
		cfg.DeviceType = "web"
	}
	return &Manager{
		push:  deps.Push,
		perms: deps.Permissions,
		reg:   deps.Registrar,
		store: deps.Store,
		log:   deps.Log.With(logx.String("comp", "token")),
		bus:   deps.Bus,
		cfg:   cfg,
	}
}

// Acquire makes sure notifications are permitted, obtains the push token and
// registers it for userID.
//
// Errors wrap ErrUnsupportedPlatform, ErrPermissionDenied,
// ErrTokenAcquisitionFailed or ErrRegistrationRejected. A rejection caused
// by a transient backend failure is also marked retryable.
func (m *Manager) Acquire(ctx context.Context, userID string) (string, error) {
	if m.push == nil || !m.push.Supported() {
		return "", notification.ErrUnsupportedPlatform
	}
	m.mu.Lock()
	timeout, epoch := m.cfg.AcquireTimeout, m.epoch
	m.mu.Unlock()

	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := m.ensurePermission(actx); err != nil {
		return "", err
	}

	tok, err := m.push.Token(actx)
	if err == nil && strings.TrimSpace(tok) == "" {
		err = errors.New("empty token")
	}
	if err != nil {
		return "", fmt.Errorf("%w: %w", notification.ErrTokenAcquisitionFailed, err)
	}

	if err := m.register(ctx, epoch, userID, tok); err != nil {
		return "", err
	}
	return tok, nil
}

// ensurePermission only prompts when the platform has never been asked.
// A denial, stored or fresh, is remembered so later calls fail fast.
func (m *Manager) ensurePermission(ctx context.Context) error {
	m.mu.Lock()
	denied := m.denied
	m.mu.Unlock()
	if denied {
		return notification.ErrPermissionDenied
	}
	if m.store != nil {
		if v, ok, err := m.store.GetSetting(ctx, storage.KeyPermission); err == nil && ok &&
			notification.ParsePermission(v) == notification.PermissionDenied {
			m.rememberDenied(ctx, false)
			return notification.ErrPermissionDenied
		}
	}
	if m.perms == nil {
		return nil
	}

	p, err := m.perms.Current(ctx)
	if err != nil {
		return fmt.Errorf("%w: permission query: %w", notification.ErrTokenAcquisitionFailed, err)
	}
	if p == notification.PermissionDefault {
		m.log.Info("requesting notification permission")
		p, err = m.perms.Request(ctx)
		if err != nil {
			return fmt.Errorf("%w: permission prompt: %w", notification.ErrTokenAcquisitionFailed, err)
		}
		m.bus.Publish(eventbus.Event{Type: eventbus.TypePermission, Data: string(p)})
	}

	switch p {
	case notification.PermissionGranted:
		return nil
	case notification.PermissionDenied:
		m.rememberDenied(ctx, true)
	default:
		// Prompt dismissed: treat as denied for this process only.
		m.rememberDenied(ctx, false)
	}
	return notification.ErrPermissionDenied
}

func (m *Manager) rememberDenied(ctx context.Context, persist bool) {
	m.mu.Lock()
	m.denied = true
	m.mu.Unlock()
	if persist && m.store != nil {
		if err := m.store.PutSetting(ctx, storage.KeyPermission, string(notification.PermissionDenied)); err != nil {
			m.log.Warn("persist permission failed", logx.Err(err))
		}
	}
	m.log.Info("notification permission denied")
}

// errUnregistered marks a registration overtaken by Unregister.
var errUnregistered = errors.New("token unregistered during registration")

// register runs under regMu so it is ordered against Unregister: a
// registration started before an Unregister is either undone by it or
// skipped.
func (m *Manager) register(ctx context.Context, epoch uint64, userID, tok string) error {
	m.regMu.Lock()
	defer m.regMu.Unlock()

	m.mu.Lock()
	stale := m.epoch != epoch
	req := backend.RegisterRequest{UserID: userID, Token: tok, DeviceType: m.cfg.DeviceType, ClientInfo: m.cfg.ClientInfo}
	m.mu.Unlock()
	if stale {
		m.log.Debug("registration skipped, token was unregistered", logx.String("user", userID))
		return fmt.Errorf("%w: %w", notification.ErrRegistrationRejected, errUnregistered)
	}

	if m.reg == nil {
		return fmt.Errorf("%w: no backend configured", notification.ErrRegistrationRejected)
	}
	if err := m.reg.RegisterToken(ctx, req); err != nil {
		err = fmt.Errorf("%w: %w", notification.ErrRegistrationRejected, err)
		if backend.Temporary(err) {
			err = notification.Retryable(err)
		}
		return err
	}

	m.mu.Lock()
	m.token, m.userID, m.refresh = tok, userID, time.Now()
	m.mu.Unlock()
	if m.store != nil {
		if err := m.store.PutSetting(ctx, storage.KeyPushToken, tok); err != nil {
			m.log.Warn("persist token failed", logx.Err(err))
		}
	}
	m.bus.Publish(eventbus.Event{Type: eventbus.TypeTokenRegistered, Data: userID})
	m.log.Info("push token registered", logx.String("user", userID))
	return nil
}

// Unregister tells the backend to forget the token. Failures are logged and
// otherwise ignored.
func (m *Manager) Unregister(ctx context.Context, userID string) {
	m.regMu.Lock()
	defer m.regMu.Unlock()

	m.mu.Lock()
	had := m.token != ""
	m.token, m.userID, m.refresh = "", "", time.Time{}
	m.epoch++
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.DeleteSetting(ctx, storage.KeyPushToken); err != nil {
			m.log.Debug("forget token failed", logx.Err(err))
		}
	}
	if !had || m.reg == nil {
		return
	}
	if err := m.reg.UnregisterToken(ctx, userID); err != nil {
		m.log.Warn("unregister token failed", logx.String("user", userID), logx.Err(err))
		return
	}
	m.log.Info("push token unregistered", logx.String("user", userID))
}

// Refresh re-reads the platform token and registers it again. The backend
// treats re-registration of the same token as a no-op. It does nothing when
// no token is registered.
func (m *Manager) Refresh(ctx context.Context) error {
	m.mu.Lock()
	userID, old, epoch := m.userID, m.token, m.epoch
	timeout := m.cfg.AcquireTimeout
	m.mu.Unlock()
	if userID == "" || old == "" || m.push == nil {
		return nil
	}

	tctx, cancel := context.WithTimeout(ctx, timeout)
	tok, err := m.push.Token(tctx)
	cancel()
	if err != nil || strings.TrimSpace(tok) == "" {
		if err == nil {
			err = errors.New("empty token")
		}
		return fmt.Errorf("%w: %w", notification.ErrTokenAcquisitionFailed, err)
	}
	if tok != old {
		m.log.Info("push token rotated", logx.String("user", userID))
	}
	if err := m.register(ctx, epoch, userID, tok); err != nil && !errors.Is(err, errUnregistered) {
		return err
	}
	return nil
}

// Token returns the registered token, or "" when none is.
func (m *Manager) Token() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token
}

// RegisteredAt is the time of the last successful registration, or zero when
// no token is registered.
func (m *Manager) RegisteredAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refresh
}

// PermissionDenied reports whether a denial has been seen.
func (m *Manager) PermissionDenied() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.denied
}

func (m *Manager) Apply(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = defaultAcquireTimeout
	}
	if strings.TrimSpace(cfg.DeviceType) == "" {
		cfg.DeviceType = m.cfg.DeviceType
	}
	m.cfg = cfg
}
