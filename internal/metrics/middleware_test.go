package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMiddlewareCountsRequests(t *testing.T) {
	Init()

	r := chi.NewRouter()
	r.Use(Middleware)
	r.Put("/widgets", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	srv := httptest.NewServer(r)
	defer srv.Close()

	req, err := http.NewRequest(http.MethodPut, srv.URL+"/widgets", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	if got := testutil.ToFloat64(httpRequests.WithLabelValues(http.MethodPut, "204")); got != 1 {
		t.Errorf("PUT 204 count = %v, want 1", got)
	}
}

func TestMiddlewareRecordsErrorStatus(t *testing.T) {
	Init()

	r := chi.NewRouter()
	r.Use(Middleware)
	r.Delete("/widgets", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	srv := httptest.NewServer(r)
	defer srv.Close()

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/widgets", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	if got := testutil.ToFloat64(httpRequests.WithLabelValues(http.MethodDelete, "500")); got != 1 {
		t.Errorf("DELETE 500 count = %v, want 1", got)
	}
}
