package local

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edunotify/internal/notification"
	"edunotify/internal/platform"
	"edunotify/internal/storage"
	logx "edunotify/pkg/logx"
)

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func startWorker(t *testing.T, delay time.Duration) (*Worker, *syncBuffer) {
	t.Helper()
	out := &syncBuffer{}
	w := NewWorker(NewConsole(out, logx.Nop()), delay, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return w, out
}

func TestWorkerNotReadyBeforeDelay(t *testing.T) {
	w, _ := startWorker(t, time.Hour)
	n := notification.Notification{ID: "n1", Title: "Hi"}
	assert.False(t, w.Ready())
	assert.ErrorIs(t, w.Post(context.Background(), platform.Message{Kind: platform.MessageShow, Tag: n.Tag(), Notification: n}), ErrNotReady)
	assert.ErrorIs(t, w.Render(context.Background(), n), ErrNotReady)
}

func TestWorkerAcknowledgesShow(t *testing.T) {
	w, out := startWorker(t, 0)
	require.Eventually(t, w.Ready, time.Second, time.Millisecond)

	n := notification.Notification{ID: "n1", Title: "Grade posted", Body: "Math: A", Priority: notification.PriorityHigh, ActionURL: "/grades/1"}
	require.NoError(t, w.Post(context.Background(), platform.Message{Kind: platform.MessageShow, Tag: n.Tag(), Notification: n}))

	select {
	case a := <-w.Acks():
		assert.Equal(t, n.Tag(), a.Tag)
		assert.Equal(t, platform.AckShown, a.Status)
	case <-time.After(time.Second):
		t.Fatal("no ack")
	}
	assert.Equal(t, "[HIGH] Grade posted: Math: A (Open: /grades/1)\n", out.String())
}

func TestWorkerDirectRender(t *testing.T) {
	w, out := startWorker(t, 0)
	require.Eventually(t, w.Ready, time.Second, time.Millisecond)

	require.NoError(t, w.Render(context.Background(), notification.Notification{ID: "n2", Title: "Fire drill"}))
	assert.Contains(t, out.String(), "[NORMAL] Fire drill")
}

func TestConsoleWithoutOutputUnsupported(t *testing.T) {
	c := NewConsole(nil, logx.Nop())
	assert.False(t, c.Supported())
	assert.Error(t, c.Show(context.Background(), notification.Notification{ID: "n1", Title: "x"}))
}

func TestNavigator(t *testing.T) {
	out := &syncBuffer{}
	nav := NewNavigator(out, logx.Nop())
	require.NoError(t, nav.Navigate(context.Background(), "/alerts/7"))
	assert.Equal(t, "/alerts/7", nav.Last())
	assert.Contains(t, out.String(), "/alerts/7")
}

func TestPermissions(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()

	dismissed := NewPermissions(store, notification.PermissionDefault)
	p, err := dismissed.Request(ctx)
	require.NoError(t, err)
	assert.Equal(t, notification.PermissionDefault, p)
	p, err = dismissed.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, notification.PermissionDefault, p, "a dismissed prompt is not persisted")

	granting := NewPermissions(store, notification.PermissionGranted)
	p, err = granting.Request(ctx)
	require.NoError(t, err)
	assert.Equal(t, notification.PermissionGranted, p)

	p, err = NewPermissions(store, notification.PermissionDenied).Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, notification.PermissionGranted, p)
}

func TestPushTokenIsStable(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()

	first, err := NewPush("ws://relay.invalid", store, logx.Nop()).Token(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, first)

	again, err := NewPush("ws://relay.invalid", store, logx.Nop()).Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, again)

	assert.False(t, NewPush("", store, logx.Nop()).Supported())
}

func TestPushListenThroughRelay(t *testing.T) {
	relay := NewRelay(logx.Nop())
	srv := httptest.NewServer(relay)
	defer srv.Close()
	defer relay.Close()

	push := NewPush("ws"+strings.TrimPrefix(srv.URL, "http"), storage.NewMemory(), logx.Nop())
	tok, err := push.Token(context.Background())
	require.NoError(t, err)

	got := make(chan notification.Notification, 4)
	ctx, cancel := context.WithCancel(context.Background())
	listenErr := make(chan error, 1)
	go func() {
		listenErr <- push.Listen(ctx, tok, func(n notification.Notification) { got <- n })
	}()
	require.Eventually(t, func() bool { return relay.Subscribers(tok) == 1 }, 2*time.Second, 5*time.Millisecond)

	sent, err := relay.Publish(tok, notification.Notification{ID: "n1", Title: "Emergency", Category: notification.CategoryEmergency, Priority: notification.PriorityUrgent})
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	// Invalid payloads are dropped by the listener.
	_, err = relay.Publish(tok, notification.Notification{Title: "no id"})
	require.NoError(t, err)

	select {
	case n := <-got:
		assert.Equal(t, "n1", n.ID)
		assert.Equal(t, notification.PriorityUrgent, n.Priority)
	case <-time.After(2 * time.Second):
		t.Fatal("push not received")
	}

	sent, err = relay.Publish("someone-else", notification.Notification{ID: "n2", Title: "x"})
	require.NoError(t, err)
	assert.Zero(t, sent)

	cancel()
	select {
	case err := <-listenErr:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("listen did not return")
	}
	assert.Len(t, got, 0)
}

func TestPushListenDialFailure(t *testing.T) {
	srv := httptest.NewServer(NewRelay(logx.Nop()))
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	err := NewPush(url, nil, logx.Nop()).Listen(context.Background(), "tok", func(notification.Notification) {})
	assert.Error(t, err)
}

func TestRelayClosedConnectionIsError(t *testing.T) {
	relay := NewRelay(logx.Nop())
	srv := httptest.NewServer(relay)
	defer srv.Close()

	push := NewPush("ws"+strings.TrimPrefix(srv.URL, "http"), nil, logx.Nop())
	listenErr := make(chan error, 1)
	go func() {
		listenErr <- push.Listen(context.Background(), "tok", func(notification.Notification) {})
	}()
	require.Eventually(t, func() bool { return relay.Subscribers("tok") == 1 }, 2*time.Second, 5*time.Millisecond)

	relay.Close()
	select {
	case err := <-listenErr:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("listen did not notice the closed relay")
	}
}
