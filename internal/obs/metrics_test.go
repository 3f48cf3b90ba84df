package obs

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                                   "/",
		"/metrics":                           "/metrics",
		"/api/v1/identity/login":             "/api/v1/identity/login",
		"/api/v1/identity/login/":            "/api/v1/identity/login",
		"/api/v1/identity/refresh?x=1":       "/api/v1/identity/refresh",
		"/api/v1/identity/unknown":           "other",
		"/api/v1/posts/01HX4Z7K9Q2W3E4R5T6Y": "other",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}

func TestInstrumentCountsStatus(t *testing.T) {
	h := Instrument(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "/healthz", "418"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))
	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "/healthz", "418"))
	if after-before != 1 {
		t.Fatalf("expected one request counted, got %v", after-before)
	}
}

func TestObserveRedemption(t *testing.T) {
	before := testutil.ToFloat64(refreshRedemptions.WithLabelValues("rotated"))
	ObserveRedemption("")
	if got := testutil.ToFloat64(refreshRedemptions.WithLabelValues("rotated")); got-before != 1 {
		t.Fatalf("expected success counted as rotated")
	}
}
