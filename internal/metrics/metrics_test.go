package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttemptCounters(t *testing.T) {
	m := New()
	m.Attempt("valuation", "price_estimate", true, "ok", 50, 3*time.Millisecond)
	m.Attempt("valuation", "price_estimate", false, "insufficient_funds", 50, time.Millisecond)
	m.Attempt("valuation", "price_estimate", false, "insufficient_funds", 50, time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.attempts.WithLabelValues("valuation", "price_estimate", "allowed", "ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.attempts.WithLabelValues("valuation", "price_estimate", "denied", "insufficient_funds")))
	assert.Equal(t, 50.0, testutil.ToFloat64(m.charged.WithLabelValues("valuation", "price_estimate")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Attempt("m", "t", true, "ok", 1, time.Millisecond)
	m.Escalation("overuse")
	m.AdminAction("grant_credits", true)
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.Escalation("overuse")
	m.AdminAction("kill_switch", true)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `toolgate_escalations_total{type="overuse"} 1`), body)
	assert.True(t, strings.Contains(body, `toolgate_admin_actions_total{action="kill_switch",changed="true"} 1`))
	assert.True(t, strings.Contains(body, "go_goroutines"))
}
