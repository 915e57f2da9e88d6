package token

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edunotify/internal/backend"
	"edunotify/internal/notification"
	"edunotify/internal/storage"
	logx "edunotify/pkg/logx"
)

type fakePush struct {
	supported bool
	tokens    []string
	err       error
	calls     int
	// entered and gate, when set, hold Token until gate is closed.
	entered chan struct{}
	gate    chan struct{}
}

func (p *fakePush) Supported() bool { return p.supported }

func (p *fakePush) Token(context.Context) (string, error) {
	if p.gate != nil {
		close(p.entered)
		<-p.gate
	}
	p.calls++
	if p.err != nil {
		return "", p.err
	}
	tok := p.tokens[0]
	if len(p.tokens) > 1 {
		p.tokens = p.tokens[1:]
	}
	return tok, nil
}

func (p *fakePush) Listen(ctx context.Context, _ string, _ func(notification.Notification)) error {
	<-ctx.Done()
	return nil
}

type fakePerms struct {
	current  notification.Permission
	answer   notification.Permission
	requests int
}

func (p *fakePerms) Current(context.Context) (notification.Permission, error) { return p.current, nil }

func (p *fakePerms) Request(context.Context) (notification.Permission, error) {
	p.requests++
	p.current = p.answer
	return p.answer, nil
}

type fakeRegistrar struct {
	mu           sync.Mutex
	records      map[string]string
	registers    int
	unregisters  int
	err          error
	unregisterEr error
	entered      chan struct{}
	gate         chan struct{}
}

func newFakeRegistrar() *fakeRegistrar { return &fakeRegistrar{records: map[string]string{}} }

func (r *fakeRegistrar) RegisterToken(_ context.Context, req backend.RegisterRequest) error {
	if r.gate != nil {
		close(r.entered)
		<-r.gate
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registers++
	if r.err != nil {
		return r.err
	}
	r.records[req.UserID] = req.Token
	return nil
}

func (r *fakeRegistrar) UnregisterToken(_ context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unregisters++
	if r.unregisterEr != nil {
		return r.unregisterEr
	}
	delete(r.records, userID)
	return nil
}

func newManager(push *fakePush, perms *fakePerms, reg *fakeRegistrar, store storage.Store) *Manager {
	return NewManager(Config{DeviceType: "web"}, Deps{Push: push, Permissions: perms, Registrar: reg, Store: store, Log: logx.Nop()})
}

func TestAcquireGranted(t *testing.T) {
	store := storage.NewMemory()
	reg := newFakeRegistrar()
	m := newManager(&fakePush{supported: true, tokens: []string{"tok-1"}}, &fakePerms{current: notification.PermissionGranted}, reg, store)

	tok, err := m.Acquire(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)
	assert.Equal(t, "tok-1", m.Token())
	assert.Equal(t, map[string]string{"u1": "tok-1"}, reg.records)

	v, ok, err := store.GetSetting(context.Background(), storage.KeyPushToken)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "tok-1", v)
}

func TestAcquireUnsupported(t *testing.T) {
	m := newManager(&fakePush{supported: false}, &fakePerms{}, newFakeRegistrar(), nil)
	_, err := m.Acquire(context.Background(), "u1")
	assert.ErrorIs(t, err, notification.ErrUnsupportedPlatform)
}

func TestPermissionPromptedOnlyFromDefault(t *testing.T) {
	perms := &fakePerms{current: notification.PermissionDefault, answer: notification.PermissionGranted}
	m := newManager(&fakePush{supported: true, tokens: []string{"tok"}}, perms, newFakeRegistrar(), nil)

	_, err := m.Acquire(context.Background(), "u1")
	require.NoError(t, err)
	_, err = m.Acquire(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, perms.requests)
}

func TestDeniedIsRememberedAndNeverReprompted(t *testing.T) {
	store := storage.NewMemory()
	perms := &fakePerms{current: notification.PermissionDefault, answer: notification.PermissionDenied}
	push := &fakePush{supported: true, tokens: []string{"tok"}}
	m := newManager(push, perms, newFakeRegistrar(), store)

	_, err := m.Acquire(context.Background(), "u1")
	require.ErrorIs(t, err, notification.ErrPermissionDenied)
	assert.False(t, notification.IsRetryable(err))

	// The platform would now say "default" again; we must not ask.
	perms.current = notification.PermissionDefault
	_, err = m.Acquire(context.Background(), "u1")
	require.ErrorIs(t, err, notification.ErrPermissionDenied)
	assert.Equal(t, 1, perms.requests)
	assert.Zero(t, push.calls)
	assert.True(t, m.PermissionDenied())

	v, ok, _ := store.GetSetting(context.Background(), storage.KeyPermission)
	assert.True(t, ok)
	assert.Equal(t, "denied", v)

	// A fresh manager over the same store does not prompt either.
	perms2 := &fakePerms{current: notification.PermissionDefault, answer: notification.PermissionGranted}
	m2 := newManager(push, perms2, newFakeRegistrar(), store)
	_, err = m2.Acquire(context.Background(), "u1")
	require.ErrorIs(t, err, notification.ErrPermissionDenied)
	assert.Zero(t, perms2.requests)
}

func TestTokenAcquisitionFailure(t *testing.T) {
	m := newManager(&fakePush{supported: true, err: errors.New("service unreachable")}, &fakePerms{current: notification.PermissionGranted}, newFakeRegistrar(), nil)
	_, err := m.Acquire(context.Background(), "u1")
	require.ErrorIs(t, err, notification.ErrTokenAcquisitionFailed)
	assert.Contains(t, err.Error(), "service unreachable")
}

func TestRegistrationRejected(t *testing.T) {
	reg := newFakeRegistrar()
	reg.err = &backend.StatusError{Op: "register", Code: http.StatusBadRequest, Message: "bad token"}
	m := newManager(&fakePush{supported: true, tokens: []string{"tok"}}, &fakePerms{current: notification.PermissionGranted}, reg, nil)

	_, err := m.Acquire(context.Background(), "u1")
	require.ErrorIs(t, err, notification.ErrRegistrationRejected)
	assert.False(t, notification.IsRetryable(err))
	assert.Empty(t, m.Token())

	reg.err = &backend.StatusError{Op: "register", Code: http.StatusBadGateway}
	_, err = m.Acquire(context.Background(), "u1")
	require.ErrorIs(t, err, notification.ErrRegistrationRejected)
	assert.True(t, notification.IsRetryable(err))
}

func TestRefreshIsIdempotent(t *testing.T) {
	reg := newFakeRegistrar()
	push := &fakePush{supported: true, tokens: []string{"tok-1", "tok-1", "tok-2"}}
	m := newManager(push, &fakePerms{current: notification.PermissionGranted}, reg, nil)

	require.NoError(t, m.Refresh(context.Background()), "refresh without a token is a no-op")
	assert.Zero(t, reg.registers)

	_, err := m.Acquire(context.Background(), "u1")
	require.NoError(t, err)
	require.NoError(t, m.Refresh(context.Background()))
	assert.Equal(t, map[string]string{"u1": "tok-1"}, reg.records)

	require.NoError(t, m.Refresh(context.Background()))
	assert.Equal(t, "tok-2", m.Token())
	assert.Equal(t, map[string]string{"u1": "tok-2"}, reg.records)
	assert.Equal(t, 3, reg.registers)
}

func TestUnregisterIsBestEffort(t *testing.T) {
	store := storage.NewMemory()
	reg := newFakeRegistrar()
	m := newManager(&fakePush{supported: true, tokens: []string{"tok"}}, &fakePerms{current: notification.PermissionGranted}, reg, store)
	_, err := m.Acquire(context.Background(), "u1")
	require.NoError(t, err)

	reg.unregisterEr = errors.New("offline")
	m.Unregister(context.Background(), "u1")
	assert.Empty(t, m.Token())
	_, ok, _ := store.GetSetting(context.Background(), storage.KeyPushToken)
	assert.False(t, ok)

	// Nothing registered any more: no backend call.
	m.Unregister(context.Background(), "u1")
	assert.Equal(t, 1, reg.unregisters)
}

func TestUnregisterDuringRefreshRegistrationWins(t *testing.T) {
	reg := newFakeRegistrar()
	m := newManager(&fakePush{supported: true, tokens: []string{"tok"}}, &fakePerms{current: notification.PermissionGranted}, reg, nil)
	_, err := m.Acquire(context.Background(), "u1")
	require.NoError(t, err)

	reg.entered, reg.gate = make(chan struct{}), make(chan struct{})
	refreshed := make(chan error, 1)
	go func() { refreshed <- m.Refresh(context.Background()) }()
	<-reg.entered

	unregistered := make(chan struct{})
	go func() {
		m.Unregister(context.Background(), "u1")
		close(unregistered)
	}()
	close(reg.gate)

	require.NoError(t, <-refreshed)
	<-unregistered
	assert.Empty(t, m.Token())
	assert.True(t, m.RegisteredAt().IsZero())
	reg.mu.Lock()
	defer reg.mu.Unlock()
	assert.Empty(t, reg.records)
}

func TestRefreshAfterUnregisterDoesNotRegister(t *testing.T) {
	reg := newFakeRegistrar()
	push := &fakePush{supported: true, tokens: []string{"tok"}}
	m := newManager(push, &fakePerms{current: notification.PermissionGranted}, reg, nil)
	_, err := m.Acquire(context.Background(), "u1")
	require.NoError(t, err)

	push.entered, push.gate = make(chan struct{}), make(chan struct{})
	refreshed := make(chan error, 1)
	go func() { refreshed <- m.Refresh(context.Background()) }()
	<-push.entered

	m.Unregister(context.Background(), "u1")
	close(push.gate)

	require.NoError(t, <-refreshed)
	assert.Empty(t, m.Token())
	reg.mu.Lock()
	defer reg.mu.Unlock()
	assert.Empty(t, reg.records)
	assert.Equal(t, 1, reg.registers)
	assert.Equal(t, 1, reg.unregisters)
}

func TestParseSchedule(t *testing.T) {
	tests := []struct {
		in, want string
		wantErr  bool
	}{
		{in: "@every 24h", want: "@every 24h"},
		{in: "24h", want: "@every 24h0m0s"},
		{in: "12:30", want: "@every 12h30m0s"},
		{in: "0 3 * * *", want: "0 3 * * *"},
		{in: "cron:@daily", want: "@daily"},
		{in: "", wantErr: true},
		{in: "soon", wantErr: true},
		{in: "-5m", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseSchedule(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestRefresherStartStop(t *testing.T) {
	m := newManager(&fakePush{supported: true, tokens: []string{"tok"}}, &fakePerms{current: notification.PermissionGranted}, newFakeRegistrar(), nil)
	r, err := NewRefresher(m, "1h", logx.Nop())
	require.NoError(t, err)
	assert.Equal(t, "@every 1h0m0s", r.Spec())

	require.NoError(t, r.Start(context.Background()))
	require.NoError(t, r.Start(context.Background()))
	r.Stop(context.Background())
	r.Stop(context.Background())

	_, err = NewRefresher(m, "nope", logx.Nop())
	assert.Error(t, err)
}
