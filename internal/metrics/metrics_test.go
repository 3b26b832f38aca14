package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserve(t *testing.T) {
	m := New()
	m.ObserveIntake(3, 1)
	m.ObserveConflicts(2)
	m.ObserveInvites(1, 1)
	m.ObservePublish(nil)
	m.ObservePublish(errors.New("boom"))

	assert.Equal(t, 3.0, testutil.ToFloat64(m.Rows.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Rows.WithLabelValues("invalid")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Conflicts))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Invites.WithLabelValues("format_error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Publishes.WithLabelValues("error")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveIntake(1, 1)
		m.ObserveConflicts(1)
		m.ObserveInvites(1, 1)
		m.ObservePublish(nil)
	})
}

func TestHandler(t *testing.T) {
	m := New()
	m.ObserveConflicts(1)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "smartsched_conflicting_records_total 1")
}

func TestInstrument(t *testing.T) {
	m := New()
	h := m.Instrument("health", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Requests.WithLabelValues("health", "418")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.RequestTime))
}
