package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTimer_ObservesHistogram(t *testing.T) {
	timer := NewTimer(AuthDuration)
	timer.ObserveDuration()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "surveyrelay_auth_duration_seconds_count")
}

func TestHandler_ExposesRelayMetrics(t *testing.T) {
	EventsTotal.WithLabelValues("accepted").Inc()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), `surveyrelay_events_total{outcome="accepted"}`)
}
