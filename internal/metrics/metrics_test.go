package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_HandlerExposesSeries(t *testing.T) {
	c := NewCollector()
	c.LocksHeld.Set(3)
	c.Samples.WithLabelValues("appended").Inc()

	w := httptest.NewRecorder()
	c.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "tracker_route_locks_held 3")
	assert.Contains(t, body, `tracker_location_samples_total{outcome="appended"} 1`)
}

func TestCollector_CountersStartAtZero(t *testing.T) {
	c := NewCollector()
	assert.Equal(t, 0.0, testutil.ToFloat64(c.TripsArchived))
	c.TripsArchived.Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(c.TripsArchived))
}
