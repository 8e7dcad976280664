package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestTraceMiddlewarePropagatesRemoteTrace(t *testing.T) {
	const remoteTrace = "105445aa7843bc8bf206b12000100000"

	var seenHeader string
	handler := TraceMiddleware("demo-project")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil)
	req.Header.Set("X-Cloud-Trace-Context", remoteTrace+"/1;o=1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	seenHeader = rec.Header().Get("X-Cloud-Trace-Context")
	if !strings.HasPrefix(seenHeader, remoteTrace+"/") {
		t.Fatalf("expected response header to carry trace %s, got %q", remoteTrace, seenHeader)
	}
	if !strings.HasSuffix(seenHeader, ";o=1") {
		t.Fatalf("expected sampled flag preserved, got %q", seenHeader)
	}
}

func TestParseTraceHeader(t *testing.T) {
	valid := "105445aa7843bc8bf206b12000100000"
	cases := []struct {
		header string
		ok     bool
	}{
		{valid + "/1;o=1", true},
		{valid + "/1;o=0", true},
		{valid + "/a3ce929d0e0e4736", true},
		{valid + "/18446744073709551615", true},
		{"", false},
		{valid, false},
		{"short/1;o=1", false},
		{valid + "/;o=1", false},
	}
	for _, tc := range cases {
		if _, ok := parseTraceHeader(tc.header); ok != tc.ok {
			t.Fatalf("parseTraceHeader(%q) ok=%v, want %v", tc.header, ok, tc.ok)
		}
	}
	if spanCtx, _ := parseTraceHeader(valid + "/1;o=1"); !spanCtx.IsSampled() {
		t.Fatal("expected sampled flag from o=1")
	}
	if spanCtx, _ := parseTraceHeader(valid + "/1;o=0"); spanCtx.IsSampled() {
		t.Fatal("expected unsampled from o=0")
	}
}

func TestRequestLoggerMiddlewareLogsCompletion(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	logger := zap.New(core)

	handler := InjectLoggerMiddleware(logger)(
		RequestLoggerMiddleware("demo-project")(
			http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusCreated)
				_, _ = w.Write([]byte(`{"ok":true}`))
			})))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/checkout", nil))

	entries := logs.FilterMessage("request completed").All()
	if len(entries) != 1 {
		t.Fatalf("expected one completion entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["status"] != int64(http.StatusCreated) {
		t.Fatalf("logged status %v, want 201", fields["status"])
	}
	if fields["bytes"] != int64(len(`{"ok":true}`)) {
		t.Fatalf("logged bytes %v", fields["bytes"])
	}
	if fields["method"] != "POST" {
		t.Fatalf("logged method %v", fields["method"])
	}
}

func TestRecoveryMiddlewareConvertsPanicTo500(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	fallback := zap.New(core)

	handler := RecoveryMiddleware(fallback)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("expected json error body, got %s", got)
	}
	if logs.FilterMessage("panic recovered").Len() != 1 {
		t.Fatal("expected the panic to be logged")
	}
}

func TestSanitizeStringStripsControlCharacters(t *testing.T) {
	in := "order\x00-\x1b[31mred\n"
	got := sanitizeString(in, 64)
	if strings.ContainsRune(got, 0x00) || strings.ContainsRune(got, 0x1b) {
		t.Fatalf("control characters survived: %q", got)
	}
	if !strings.Contains(got, "\n") {
		t.Fatalf("newline should be preserved for stack traces: %q", got)
	}
	if long := sanitizeString(strings.Repeat("a", 100), 10); len(long) != 10 {
		t.Fatalf("expected truncation to 10, got %d", len(long))
	}
}
