package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsSafe(_ *testing.T) {
	var m *Metrics
	m.ConnectAttempt(ResultOK)
	m.SetState("ready", []string{"ready"})
	m.ScriptLoaded()
	m.ScriptExec("trim", ResultOK)
	m.RelayMessage(MessageEmitted)
	m.SetRelaySubscriptions(3)
	m.BusEmit()
	m.BusHandlerError("a.*")
}

func TestCounters(t *testing.T) {
	m := New()

	m.ConnectAttempt(ResultRefused)
	m.ConnectAttempt(ResultRefused)
	m.ConnectAttempt(ResultOK)
	m.RelayMessage(MessageUnmapped)
	m.BusEmit()
	m.BusEmit()

	if got := testutil.ToFloat64(m.connectAttempts.WithLabelValues(ResultRefused)); got != 2 {
		t.Errorf("refused attempts = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.connectAttempts.WithLabelValues(ResultOK)); got != 1 {
		t.Errorf("ok attempts = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.relayMessages.WithLabelValues(MessageUnmapped)); got != 1 {
		t.Errorf("unmapped messages = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.busEmits); got != 2 {
		t.Errorf("bus emits = %v, want 2", got)
	}
}

func TestSetStateIsExclusive(t *testing.T) {
	m := New()
	all := []string{"disconnected", "connecting", "ready"}

	m.SetState("connecting", all)
	m.SetState("ready", all)

	if got := testutil.ToFloat64(m.state.WithLabelValues("ready")); got != 1 {
		t.Errorf("ready = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.state.WithLabelValues("connecting")); got != 0 {
		t.Errorf("connecting = %v, want 0", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.ScriptLoaded()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "observer_redis_scripts_loaded_total 1") {
		t.Error("expected scripts_loaded_total in exposition output")
	}
}
