package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusHandler_ExposesSnapshot(t *testing.T) {
	m := New()
	m.Inc("foo")
	m.Add("bar", 2)
	m.Inc(`quote"back\slash`)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()

	PrometheusHandler(m).ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	body := rr.Body.String()
	assert.Contains(t, body, "# TYPE aero_webrtc_call_events_total counter")
	assert.Contains(t, body, `aero_webrtc_call_events_total{event="bar"} 2`)
	assert.Contains(t, body, `aero_webrtc_call_events_total{event="foo"} 1`)
	assert.Contains(t, body, `aero_webrtc_call_events_total{event="quote\"back\\slash"} 1`)
}

func TestPrometheusHandler_Gauges(t *testing.T) {
	m := New()
	rr := httptest.NewRecorder()

	PrometheusHandler(m,
		Gauge{Name: "aero_webrtc_call_active_calls", Help: "Calls in progress.", Value: func() float64 { return 3 }},
		Gauge{Name: "skipped"},
	).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := rr.Body.String()
	assert.Contains(t, body, "# TYPE aero_webrtc_call_active_calls gauge")
	assert.Contains(t, body, "aero_webrtc_call_active_calls 3\n")
	assert.NotContains(t, body, "skipped")
}

func TestPrometheusHandler_NilMetrics(t *testing.T) {
	rr := httptest.NewRecorder()
	PrometheusHandler(nil).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}
