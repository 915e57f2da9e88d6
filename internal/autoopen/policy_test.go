package autoopen

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edunotify/internal/eventbus"
	"edunotify/internal/notification"
	"edunotify/internal/storage"
	logx "edunotify/pkg/logx"
)

func TestShouldAutoOpen(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		n    notification.Notification
		pref bool
		want bool
	}{
		{name: "preference off beats urgent", n: notification.Notification{Priority: notification.PriorityUrgent, Category: notification.CategoryEmergency}, pref: false, want: false},
		{name: "urgent", n: notification.Notification{Priority: notification.PriorityUrgent, Category: notification.CategoryGrade}, pref: true, want: true},
		{name: "high", n: notification.Notification{Priority: notification.PriorityHigh}, pref: true, want: true},
		{name: "emergency category", n: notification.Notification{Category: notification.CategoryEmergency}, pref: true, want: true},
		{name: "security category", n: notification.Notification{Category: notification.CategorySecurity, Priority: notification.PriorityLow}, pref: true, want: true},
		{name: "attendance alert", n: notification.Notification{Category: notification.CategoryAttendanceAlert}, pref: true, want: true},
		{name: "action url", n: notification.Notification{ActionURL: "/grades/12"}, pref: true, want: true},
		{name: "root action url", n: notification.Notification{ActionURL: "/"}, pref: true, want: false},
		{name: "absolute root url", n: notification.Notification{ActionURL: "https://school.example/"}, pref: true, want: false},
		{name: "plain grade", n: notification.Notification{Category: notification.CategoryGrade, Priority: notification.PriorityNormal}, pref: true, want: false},
		{name: "empty", n: notification.Notification{}, pref: true, want: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ShouldAutoOpen(tt.n, tt.pref))
		})
	}
}

func TestUrgentAlwaysOpensWhenEnabled(t *testing.T) {
	cats := []notification.Category{"", notification.CategoryGrade, notification.CategoryMessage, notification.CategoryPayment, "anything"}
	for _, c := range cats {
		n := notification.Notification{Priority: notification.PriorityUrgent, Category: c}
		assert.True(t, ShouldAutoOpen(n, true), "category %q", c)
		assert.False(t, ShouldAutoOpen(n, false), "category %q", c)
	}
}

func TestConfiguredRootPaths(t *testing.T) {
	p := Policy{RootPaths: []string{"/", "/dashboard/"}}
	assert.False(t, p.ShouldAutoOpen(notification.Notification{ActionURL: "/dashboard"}, true))
	assert.True(t, p.ShouldAutoOpen(notification.Notification{ActionURL: "/dashboard/grades"}, true))
}

type recordingNavigator struct {
	mu   sync.Mutex
	urls []string
}

func (r *recordingNavigator) Navigate(_ context.Context, url string) error {
	r.mu.Lock()
	r.urls = append(r.urls, url)
	r.mu.Unlock()
	return nil
}

func (r *recordingNavigator) visited() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.urls...)
}

func TestPreferencesDefaultAndSet(t *testing.T) {
	ctx := context.Background()
	prefs := NewPreferences(storage.NewMemory(), true)
	assert.True(t, prefs.Enabled(ctx))
	require.NoError(t, prefs.Set(ctx, false))
	assert.False(t, prefs.Enabled(ctx))
}

func TestOpenerNavigatesAfterDelay(t *testing.T) {
	nav := &recordingNavigator{}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	defer unsub()

	o := NewOpener(Config{Delay: 20 * time.Millisecond}, NewPreferences(storage.NewMemory(), true), nav, logx.Nop(), bus, nil)
	ok := o.Consider(context.Background(), notification.Notification{ID: "n1", Priority: notification.PriorityUrgent})
	require.True(t, ok)
	assert.Empty(t, nav.visited(), "navigation must wait for the delay")

	select {
	case e := <-events:
		assert.Equal(t, eventbus.TypeAutoOpened, e.Type)
	case <-time.After(time.Second):
		t.Fatal("navigation did not happen")
	}
	assert.Equal(t, []string{"/notifications"}, nav.visited())
}

func TestOpenerRespectsDisabledPreference(t *testing.T) {
	nav := &recordingNavigator{}
	prefs := NewPreferences(storage.NewMemory(), true)
	require.NoError(t, prefs.Set(context.Background(), false))
	o := NewOpener(Config{}, prefs, nav, logx.Nop(), nil, nil)

	assert.False(t, o.Consider(context.Background(), notification.Notification{ID: "n1", Priority: notification.PriorityUrgent, ActionURL: "/alerts"}))
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, nav.visited())
}

func TestOpenerStopCancelsPending(t *testing.T) {
	nav := &recordingNavigator{}
	o := NewOpener(Config{Delay: time.Hour}, NewPreferences(storage.NewMemory(), true), nav, logx.Nop(), nil, nil)
	require.True(t, o.Consider(context.Background(), notification.Notification{ID: "n1", ActionURL: "/grades"}))
	o.Stop()
	assert.Empty(t, nav.visited())
}
