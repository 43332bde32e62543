package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	m.SetActiveSessions(3)
	m.SessionStarted("started")
	m.SessionStarted("started")
	m.QuotaDecision("consume", DecisionRefused)
	m.ScheduledRestart(nil)
	m.ScheduledRestart(errors.New("boom"))

	assert.Equal(t, 3.0, testutil.ToFloat64(m.activeSessions))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.sessionStarts.WithLabelValues("started")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.quotaDecisions.WithLabelValues("consume", DecisionRefused)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.scheduledRestart.WithLabelValues("failed")))

	t.Run("double registration fails", func(t *testing.T) {
		_, err := New(reg)
		assert.Error(t, err)
	})

	t.Run("nil metrics are a no-op", func(t *testing.T) {
		var nilMetrics *Metrics
		assert.NotPanics(t, func() {
			nilMetrics.SessionEnded("FAILED")
			nilMetrics.RateLimited("ip")
			nilMetrics.Heartbeat("ok")
		})
	})
}
