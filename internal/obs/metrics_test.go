package obs

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                           "/",
		"/metrics":                   "/metrics",
		"/login":                     "/login",
		"/refresh-token/":            "/refresh-token",
		"/get-users?access_token=xx": "/get-users",
		"/users/01HZX/roles":         "/other",
		"/wp-admin":                  "/other",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}

func TestInstrumentCountsByCanonicalPath(t *testing.T) {
	h := Instrument(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodPost, "/other", "201"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/some/random/path", nil))
	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodPost, "/other", "201"))
	if after-before != 1 {
		t.Fatalf("expected counter to increase by 1, got %v", after-before)
	}
	if v := testutil.ToFloat64(httpInFlight); v != 0 {
		t.Fatalf("in-flight gauge should be back to 0, got %v", v)
	}
}

func TestObserveDecision(t *testing.T) {
	before := testutil.ToFloat64(DecisionsTotal.WithLabelValues("AdminBypass", "allow"))
	ObserveDecision("AdminBypass", "allow")
	if got := testutil.ToFloat64(DecisionsTotal.WithLabelValues("AdminBypass", "allow")); got != before+1 {
		t.Fatalf("unexpected counter value %v", got)
	}
}
