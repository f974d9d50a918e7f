package obs

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                        "/",
		"/metrics":                "/metrics",
		"/v1/auth/login":          "/v1/auth/login",
		"/v1/auth/login/":         "/v1/auth/login",
		"/v1/auth/me?x=1":         "/v1/auth/me",
		"/v1/accounts":            "/v1/accounts",
		"/v1/accounts/abc":        "/v1/accounts/:id",
		"/v1/accounts/abc/extra":  "unmatched",
		"/wp-admin/setup.php":     "unmatched",
		"/v1/auth/introspect?a=b": "/v1/auth/introspect",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}

func TestInstrumentCountsRequests(t *testing.T) {
	Init()
	Init()

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "/healthz", "418"))
	h := Instrument(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "/healthz", "418"))
	if after-before != 1 {
		t.Fatalf("expected counter to grow by 1, got %v", after-before)
	}
}

func TestObserveAuth(t *testing.T) {
	before := testutil.ToFloat64(authOperations.WithLabelValues("register", "ok"))
	ObserveAuth("register", "ok")
	if got := testutil.ToFloat64(authOperations.WithLabelValues("register", "ok")); got-before != 1 {
		t.Fatalf("unexpected counter delta %v", got-before)
	}
}
