package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func resetLoggingState() {
	mu.Lock()
	defer mu.Unlock()

	baseWriter = os.Stderr
	baseLogger = zerolog.New(baseWriter).With().Timestamp().Logger()
	log.Logger = baseLogger
	zerolog.TimeFieldFormat = defaultTimeFmt
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

func readJSONLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()

	line := strings.TrimSpace(buf.String())
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	if line == "" {
		t.Fatalf("expected log output, got empty string")
	}

	var event map[string]interface{}
	if err := json.Unmarshal([]byte(line), &event); err != nil {
		t.Fatalf("failed to unmarshal log line: %v", err)
	}
	return event
}

func TestInitSetsLevelAndComponent(t *testing.T) {
	t.Cleanup(resetLoggingState)

	var buf bytes.Buffer
	initWithWriter(Config{Level: "debug", Component: "portal"}, &buf)

	if got := zerolog.GlobalLevel(); got != zerolog.DebugLevel {
		t.Fatalf("global level = %s, want debug", got)
	}

	log.Debug().Str("event_id", "evt_1").Msg("hello")
	event := readJSONLine(t, &buf)
	if event["component"] != "portal" {
		t.Fatalf("component = %v, want portal", event["component"])
	}
	if event["event_id"] != "evt_1" {
		t.Fatalf("event_id = %v, want evt_1", event["event_id"])
	}
}

func TestInitWithoutComponentOmitsField(t *testing.T) {
	t.Cleanup(resetLoggingState)

	var buf bytes.Buffer
	initWithWriter(Config{Level: "info"}, &buf)
	log.Info().Msg("no component")

	event := readJSONLine(t, &buf)
	if _, ok := event["component"]; ok {
		t.Fatalf("unexpected component field: %v", event)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"":         zerolog.InfoLevel,
		"INFO":     zerolog.InfoLevel,
		" debug ":  zerolog.DebugLevel,
		"warning":  zerolog.WarnLevel,
		"error":    zerolog.ErrorLevel,
		"disabled": zerolog.Disabled,
		"bogus":    zerolog.InfoLevel,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestSelectWriterAutoUsesTerminalDetection(t *testing.T) {
	orig := isTerminalFn
	t.Cleanup(func() { isTerminalFn = orig })

	isTerminalFn = func(int) bool { return true }
	if _, ok := selectWriter("auto").(zerolog.ConsoleWriter); !ok {
		t.Fatal("expected console writer on a terminal")
	}

	isTerminalFn = func(int) bool { return false }
	if w := selectWriter("auto"); w != os.Stderr {
		t.Fatalf("expected stderr writer off a terminal, got %T", w)
	}
}

func TestWithRequestID(t *testing.T) {
	ctx, id := WithRequestID(context.Background(), "  req-123 ")
	if id != "req-123" {
		t.Fatalf("id = %q, want req-123", id)
	}
	if got := RequestIDFromContext(ctx); got != "req-123" {
		t.Fatalf("RequestIDFromContext = %q", got)
	}

	_, generated := WithRequestID(nil, "")
	if generated == "" {
		t.Fatal("expected a generated request id")
	}
	if RequestIDFromContext(context.Background()) != "" {
		t.Fatal("expected empty request id on bare context")
	}
}

func TestWithRequestIDRejectsUnsafeValues(t *testing.T) {
	for _, in := range []string{"has space", "line\nbreak", strings.Repeat("a", 129), "quote\"d"} {
		if _, id := WithRequestID(context.Background(), in); id == strings.TrimSpace(in) {
			t.Errorf("WithRequestID(%q) kept an unsafe value", in)
		}
	}
}

func TestHTTPMiddlewareLogsWithRequestID(t *testing.T) {
	t.Cleanup(resetLoggingState)

	var buf bytes.Buffer
	initWithWriter(Config{Level: "info", Component: "portal"}, &buf)

	var seen string
	h := HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
		w.WriteHeader(http.StatusAccepted)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/stripe/webhook", nil)
	req.Header.Set(RequestIDHeader, "req-42")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if seen != "req-42" || rec.Header().Get(RequestIDHeader) != "req-42" {
		t.Fatalf("request id not propagated: ctx=%q header=%q", seen, rec.Header().Get(RequestIDHeader))
	}
	event := readJSONLine(t, &buf)
	if event["request_id"] != "req-42" || event["path"] != "/api/stripe/webhook" {
		t.Fatalf("unexpected access log: %v", event)
	}
	if status, _ := event["status"].(float64); int(status) != http.StatusAccepted {
		t.Fatalf("status = %v", event["status"])
	}
}
