package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edunotify/internal/notification"
	logx "edunotify/pkg/logx"
)

type fakeAPI struct {
	mu         sync.Mutex
	registered map[string]string
	delivered  []string
	failNext   int
}

func (f *fakeAPI) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	write := func(w http.ResponseWriter, code int, body any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(body)
	}
	mux.HandleFunc("POST /api/notifications/push/register", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		var req RegisterRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.Token == "" {
			write(w, http.StatusBadRequest, map[string]any{"success": false, "message": "token required"})
			return
		}
		f.mu.Lock()
		f.registered[req.UserID] = req.Token
		f.mu.Unlock()
		write(w, http.StatusOK, map[string]any{"success": true})
	})
	mux.HandleFunc("POST /api/notifications/push/unregister", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		delete(f.registered, req["userId"])
		f.mu.Unlock()
		write(w, http.StatusOK, map[string]any{"success": true})
	})
	mux.HandleFunc("GET /api/notifications/pending", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		fail := f.failNext > 0
		if fail {
			f.failNext--
		}
		f.mu.Unlock()
		if fail {
			write(w, http.StatusServiceUnavailable, map[string]any{"success": false, "message": "maintenance"})
			return
		}
		assert.Equal(t, "u1", r.URL.Query().Get("userId"))
		write(w, http.StatusOK, map[string]any{"success": true, "data": []map[string]any{
			{"id": "n1", "title": "Grade posted", "body": "Math: A", "category": "grade", "priority": "normal"},
			{"id": "", "title": "broken"},
			{"id": "n2", "title": "Fire drill", "category": "emergency", "priority": "urgent", "actionUrl": "/alerts/7"},
		}})
	})
	mux.HandleFunc("POST /api/notifications/{id}/delivered", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.delivered = append(f.delivered, r.PathValue("id"))
		f.mu.Unlock()
		write(w, http.StatusOK, map[string]any{"success": true})
	})
	mux.HandleFunc("POST /api/notifications/push/test", func(w http.ResponseWriter, r *http.Request) {
		write(w, http.StatusOK, map[string]any{"success": true, "data": map[string]string{"id": "test-1"}})
	})
	return mux
}

func newTestClient(t *testing.T) (*HTTPClient, *fakeAPI) {
	t.Helper()
	api := &fakeAPI{registered: map[string]string{}}
	srv := httptest.NewServer(api.handler(t))
	t.Cleanup(srv.Close)
	c, err := NewHTTPClient(Config{BaseURL: srv.URL + "/api/", AuthToken: "secret", Timeout: 2 * time.Second, RatePerSec: 100}, logx.Nop())
	require.NoError(t, err)
	return c, api
}

func TestRegisterAndUnregister(t *testing.T) {
	c, api := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.RegisterToken(ctx, RegisterRequest{UserID: "u1", Token: "tok", DeviceType: "web"}))
	require.NoError(t, c.RegisterToken(ctx, RegisterRequest{UserID: "u1", Token: "tok", DeviceType: "web"}))
	assert.Equal(t, map[string]string{"u1": "tok"}, api.registered)

	require.NoError(t, c.UnregisterToken(ctx, "u1"))
	assert.Empty(t, api.registered)
}

func TestRegisterRejectedIsValidationError(t *testing.T) {
	c, _ := newTestClient(t)
	err := c.RegisterToken(context.Background(), RegisterRequest{UserID: "u1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidation)
	assert.False(t, Temporary(err))
	assert.Contains(t, err.Error(), "token required")
}

func TestFetchPendingDropsInvalid(t *testing.T) {
	c, _ := newTestClient(t)
	got, err := c.FetchPending(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "n1", got[0].ID)
	assert.Equal(t, notification.PriorityUrgent, got[1].Priority)
	assert.Equal(t, "/alerts/7", got[1].ActionURL)
}

func TestFetchPendingServerErrorIsTemporary(t *testing.T) {
	c, api := newTestClient(t)
	api.failNext = 1
	_, err := c.FetchPending(context.Background(), "u1")
	require.Error(t, err)
	assert.True(t, Temporary(err))
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusServiceUnavailable, se.Code)
}

func TestMarkDeliveredAndSendTest(t *testing.T) {
	c, api := newTestClient(t)
	ctx := context.Background()
	require.NoError(t, c.MarkDelivered(ctx, "n1"))
	assert.Equal(t, []string{"n1"}, api.delivered)

	id, err := c.SendTest(ctx, TestRequest{UserID: "u1", Title: "Test", Body: "hello", Priority: notification.PriorityNormal})
	require.NoError(t, err)
	assert.Equal(t, "test-1", id)
}

func TestNewHTTPClientRequiresBaseURL(t *testing.T) {
	_, err := NewHTTPClient(Config{}, logx.Nop())
	assert.Error(t, err)
}
