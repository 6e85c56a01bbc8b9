package httpserver

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

type stubPinger struct{ err error }

func (s stubPinger) Ping(context.Context) error { return s.err }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func serve(h http.Handler, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestHealthz(t *testing.T) {
	srv := New(":0", testLogger(), nil, Handlers{}, "")
	if rec := serve(srv.Handler(), http.MethodGet, "/healthz"); rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", rec.Code)
	}
	if rec := serve(srv.Handler(), http.MethodPost, "/healthz"); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("healthz POST status = %d", rec.Code)
	}
}

func TestReadyzReflectsDatabase(t *testing.T) {
	srv := New(":0", testLogger(), nil, Handlers{}, "")

	srv.SetDependencies(Dependencies{Repository: stubPinger{}})
	if rec := serve(srv.Handler(), http.MethodGet, "/readyz"); rec.Code != http.StatusOK {
		t.Fatalf("ready status = %d", rec.Code)
	}

	srv.SetDependencies(Dependencies{Repository: stubPinger{err: errors.New("down")}})
	if rec := serve(srv.Handler(), http.MethodGet, "/readyz"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("unready status = %d", rec.Code)
	}
}

func TestBasePathMount(t *testing.T) {
	webhook := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	srv := New(":0", testLogger(), nil, Handlers{Webhook: webhook}, "/desk/")

	cases := []struct {
		path string
		want int
	}{
		{"/desk/webhook/meta", http.StatusAccepted},
		{"/desk/healthz", http.StatusOK},
		{"/webhook/meta", http.StatusNotFound},
		{"/desktop/healthz", http.StatusNotFound},
	}
	for _, tc := range cases {
		if rec := serve(srv.Handler(), http.MethodGet, tc.path); rec.Code != tc.want {
			t.Fatalf("%s status = %d, want %d", tc.path, rec.Code, tc.want)
		}
	}
}

func TestPanicsBecomeServerErrors(t *testing.T) {
	api := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})
	srv := New(":0", testLogger(), nil, Handlers{AgentAPI: api}, "")

	if rec := serve(srv.Handler(), http.MethodGet, "/api/conversations"); rec.Code != http.StatusInternalServerError {
		t.Fatalf("panic status = %d", rec.Code)
	}
}

func TestNormaliseBasePath(t *testing.T) {
	cases := map[string]string{
		"":        "",
		"/":       "",
		"desk":    "/desk",
		"/desk/":  "/desk",
		" /a/b/ ": "/a/b",
	}
	for in, want := range cases {
		if got := normaliseBasePath(in); got != want {
			t.Fatalf("normaliseBasePath(%q) = %q, want %q", in, got, want)
		}
	}
}
