package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pmlab/pm-ingest/internal/adapters/csvlog"
	"github.com/pmlab/pm-ingest/internal/adapters/observability"
	"github.com/pmlab/pm-ingest/internal/adapters/queue"
	"github.com/pmlab/pm-ingest/internal/app/ingest"
	"github.com/pmlab/pm-ingest/internal/app/pipeline"
	"github.com/pmlab/pm-ingest/internal/domain"
	"github.com/pmlab/pm-ingest/internal/ports"
)

const examplePayload = `{"Vrms_current":1.23,"Vrms_sensor":1.24,"Vrms_grid":230.1,"Irms":0.45,"P":100.2,"S":103.5,"PF":0.97}`

type harness struct {
	app  *fiber.App
	path string
	reg  *prometheus.Registry
	logs *observer.ObservedLogs
	stop chan struct{}
	done chan struct{}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithSink(t, nil)
}

// newHarnessWithSink lets wrap decorate the CSV sink the writer appends to.
func newHarnessWithSink(t *testing.T, wrap func(ports.Sink) ports.Sink) *harness {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data_log.csv")
	if _, err := csvlog.EnsureHeader(path); err != nil {
		t.Fatalf("ensure header: %v", err)
	}
	fileSink, err := csvlog.NewFileSink(path, false)
	if err != nil {
		t.Fatalf("file sink: %v", err)
	}

	core, logs := observer.New(zap.DebugLevel)
	logger := zap.New(core)
	reg := prometheus.NewRegistry()
	obs := observability.NewPromObs(reg, logger)

	pol := ports.Policy{MaxQueueLen: 1000, MaxBatchSize: 64, IdleSleep: time.Millisecond, OnQueueFull: "block"}
	q := queue.NewMemQueue(pol.MaxQueueLen)
	svc, err := ingest.NewService(q, pol, obs)
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	var primary ports.Sink = fileSink
	if wrap != nil {
		primary = wrap(fileSink)
	}
	w, err := pipeline.NewWriter(q, primary, nil, pol, obs)
	if err != nil {
		t.Fatalf("writer: %v", err)
	}

	h := &harness{
		app:  New(svc, logger, Options{BodyLimit: 4096}),
		path: path,
		reg:  reg,
		logs: logs,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go func() {
		w.Run(h.stop)
		close(h.done)
	}()
	t.Cleanup(h.drain)
	return h
}

// drain stops the writer once; afterwards the data log is final.
func (h *harness) drain() {
	select {
	case <-h.stop:
	default:
		close(h.stop)
	}
	<-h.done
}

func (h *harness) post(t *testing.T, body, contentType string) (int, string, http.Header) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/data", strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := h.app.Test(req, -1)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	var msg struct {
		Message string `json:"message"`
	}
	_ = json.Unmarshal(raw, &msg)
	return resp.StatusCode, msg.Message, resp.Header
}

func (h *harness) lines(t *testing.T) []string {
	t.Helper()
	raw, err := os.ReadFile(h.path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	return strings.Split(strings.TrimSuffix(string(raw), "\n"), "\n")
}

func TestPostDataAppendsExactValues(t *testing.T) {
	h := newHarness(t)
	before := time.Now().UTC().Add(-time.Second)

	status, msg, hdr := h.post(t, examplePayload, "application/json")
	if status != http.StatusOK || msg != MsgReceived {
		t.Fatalf("expected 200 %q, got %d %q", MsgReceived, status, msg)
	}
	if hdr.Get("Access-Control-Allow-Origin") != "*" || hdr.Get("Access-Control-Allow-Headers") != "Content-Type" {
		t.Fatalf("missing CORS headers: %v", hdr)
	}
	if hdr.Get("X-Request-Id") == "" {
		t.Fatalf("expected request id header")
	}

	h.drain()
	lines := h.lines(t)
	if len(lines) != 2 || lines[0] != domain.CSVHeader {
		t.Fatalf("expected header + 1 line, got %q", lines)
	}
	if !strings.HasSuffix(lines[1], ",1.23,1.24,230.1,0.45,100.2,103.5,0.97") {
		t.Fatalf("unexpected record %q", lines[1])
	}
	ts, err := time.Parse(domain.TimestampLayout, strings.SplitN(lines[1], ",", 2)[0])
	if err != nil {
		t.Fatalf("timestamp not ISO-8601: %v", err)
	}
	if ts.Before(before) || ts.After(time.Now().UTC().Add(time.Second)) {
		t.Fatalf("implausible timestamp %s", ts)
	}
}

func TestAppendFailureKeepsAcknowledgingDevices(t *testing.T) {
	var sink *switchableSink
	h := newHarnessWithSink(t, func(next ports.Sink) ports.Sink {
		sink = &switchableSink{next: next}
		return sink
	})

	sink.failing.Store(true)
	status, msg, _ := h.post(t, examplePayload, "application/json")
	if status != http.StatusOK || msg != MsgReceived {
		t.Fatalf("append failure must not change the response, got %d %q", status, msg)
	}

	deadline := time.Now().Add(2 * time.Second)
	for h.logs.FilterMessage("log_append_failed").Len() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("expected log_append_failed to be logged")
		}
		time.Sleep(5 * time.Millisecond)
	}

	sink.failing.Store(false)
	later := strings.Replace(examplePayload, "100.2", "42.5", 1)
	status, msg, _ = h.post(t, later, "application/json")
	if status != http.StatusOK || msg != MsgReceived {
		t.Fatalf("expected later request accepted, got %d %q", status, msg)
	}

	h.drain()
	lines := h.lines(t)
	if len(lines) != 2 || lines[0] != domain.CSVHeader {
		t.Fatalf("expected header + the later record only, got %q", lines)
	}
	if !strings.HasSuffix(lines[1], ",0.45,42.5,103.5,0.97") {
		t.Fatalf("unexpected record %q", lines[1])
	}
	if h.logs.FilterMessage("log_append_failed").Len() != 1 {
		t.Fatalf("only the first append should have failed")
	}
}

func TestPostDataRejectsInvalidPayloads(t *testing.T) {
	h := newHarness(t)

	cases := []struct {
		name, body, ctype, msg string
	}{
		{"string field", strings.Replace(examplePayload, "1.23", `"1.23"`, 1), "application/json", MsgInvalidData},
		{"null field", strings.Replace(examplePayload, "0.97", "null", 1), "application/json", MsgInvalidData},
		{"bool field", strings.Replace(examplePayload, "100.2", "true", 1), "application/json", MsgInvalidData},
		{"missing field", `{"Vrms_current":1.23}`, "application/json", MsgInvalidData},
		{"array body", `[1,2,3]`, "application/json", MsgInvalidData},
		{"empty body", ``, "application/json", MsgInvalidData},
		{"form body", `Vrms_current=1.23`, "application/x-www-form-urlencoded", MsgInvalidData},
		{"malformed", `{"Vrms_current":`, "application/json", MsgInvalidJSON},
	}
	for _, tc := range cases {
		status, msg, hdr := h.post(t, tc.body, tc.ctype)
		if status != http.StatusBadRequest || msg != tc.msg {
			t.Fatalf("%s: expected 400 %q, got %d %q", tc.name, tc.msg, status, msg)
		}
		if hdr.Get("Access-Control-Allow-Origin") != "*" {
			t.Fatalf("%s: missing CORS header on error response", tc.name)
		}
	}

	h.drain()
	if lines := h.lines(t); len(lines) != 1 {
		t.Fatalf("rejected payloads must not be persisted, got %q", lines)
	}

	rejected, err := testutil.GatherAndCount(h.reg, observability.MetricRejected)
	if err != nil || rejected != 4 {
		t.Fatalf("expected 4 rejection reasons, got %d (%v)", rejected, err)
	}
}

func TestPostDataConcurrentSubmissions(t *testing.T) {
	h := newHarness(t)

	const n = 64
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			body := fmt.Sprintf(`{"Vrms_current":%d.5,"Vrms_sensor":1.24,"Vrms_grid":230.1,"Irms":0.45,"P":100.2,"S":103.5,"PF":0.97,"extra":"ignored"}`, i)
			req := httptest.NewRequest(http.MethodPost, "/data", strings.NewReader(body))
			req.Header.Set("Content-Type", "application/json")
			resp, err := h.app.Test(req, -1)
			if err != nil {
				t.Errorf("request %d: %v", i, err)
				return
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				t.Errorf("request %d: status %d", i, resp.StatusCode)
			}
		}(i)
	}
	wg.Wait()
	h.drain()

	lines := h.lines(t)
	if len(lines) != n+1 {
		t.Fatalf("expected %d records, got %d", n, len(lines)-1)
	}
	seen := map[string]bool{}
	for _, line := range lines[1:] {
		cols := strings.Split(line, ",")
		if len(cols) != 8 || cols[7] != "0.97" {
			t.Fatalf("corrupted line %q", line)
		}
		seen[cols[1]] = true
	}
	if len(seen) != n {
		t.Fatalf("expected %d distinct records, got %d", n, len(seen))
	}
}

func TestPreflightAndHealth(t *testing.T) {
	h := newHarness(t)

	req := httptest.NewRequest(http.MethodOptions, "/data", nil)
	req.Header.Set("Origin", "http://192.168.1.50")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err := h.app.Test(req, -1)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204 preflight, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("preflight missing allow origin")
	}
	if !strings.Contains(resp.Header.Get("Access-Control-Allow-Headers"), "Content-Type") {
		t.Fatalf("preflight missing allow headers: %q", resp.Header.Get("Access-Control-Allow-Headers"))
	}

	resp, err = h.app.Test(httptest.NewRequest(http.MethodGet, "/healthz", nil), -1)
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "ok" {
		t.Fatalf("unexpected healthz %d %q", resp.StatusCode, body)
	}
}

func TestRequestsAreLogged(t *testing.T) {
	h := newHarness(t)
	h.post(t, examplePayload, "application/json")

	entries := h.logs.FilterMessage("request").All()
	if len(entries) != 1 {
		t.Fatalf("expected one request log entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["method"] != http.MethodPost || fields["path"] != "/data" || fields["status"] != int64(http.StatusOK) {
		t.Fatalf("unexpected request log fields %v", fields)
	}
	if h.logs.FilterMessageSnippet("Received data -> Vrms_current: 1.2300 V").Len() != 1 {
		t.Fatalf("expected console summary line")
	}
}

type switchableSink struct {
	next    ports.Sink
	failing atomic.Bool
}

func (s *switchableSink) WriteBatch(records []*domain.Measurement) error {
	if s.failing.Load() {
		return errors.New("disk unplugged")
	}
	return s.next.WriteBatch(records)
}

func (s *switchableSink) Name() string { return s.next.Name() }
