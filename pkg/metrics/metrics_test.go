package metrics

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveDelivered()
	m.ObserveDisplay("in_page", "ok")
	m.ObserveFetch(1, nil, 0)
	m.SetMode("push")
	assert.Nil(t, m.Registry())
}

func TestObserveAndExpose(t *testing.T) {
	m := New()
	m.ObserveDisplay("round_trip", "timeout")
	m.ObserveDelivered()
	m.ObserveFetch(0, errors.New("down"), 3)
	m.SetMode("polling")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Delivered))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.PollerFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Mode.WithLabelValues("polling")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Mode.WithLabelValues("push")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.True(t, strings.Contains(rec.Body.String(), "edunotify_display_attempts_total"))
}
