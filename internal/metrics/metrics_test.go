package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerExposesSentinelMetrics(t *testing.T) {
	GateDecisions.WithLabelValues("BLOCK").Inc()
	SweepRuns.Inc()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "sentinel_policy_decisions_total")
	assert.Contains(t, body, "sentinel_acceptance_sweep_runs_total")
}

func TestCountersIncrement(t *testing.T) {
	before := testutil.ToFloat64(ThreatTransitions.WithLabelValues("Identified", "Assessed"))
	ThreatTransitions.WithLabelValues("Identified", "Assessed").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(ThreatTransitions.WithLabelValues("Identified", "Assessed")))
}
