package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandlerExposesCollectors(t *testing.T) {
	AlertsRaised.WithLabelValues("agent_stuck").Inc()
	ActiveSessions.Set(2)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	for _, name := range []string{"fleet_alerts_raised_total", "fleet_pty_sessions_active 2"} {
		if !strings.Contains(body, name) {
			t.Fatalf("expected %q in metrics output", name)
		}
	}
}
