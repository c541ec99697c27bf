package ingest

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pmlab/pm-ingest/internal/adapters/observability"
	"github.com/pmlab/pm-ingest/internal/adapters/queue"
	"github.com/pmlab/pm-ingest/internal/domain"
	"github.com/pmlab/pm-ingest/internal/ports"
)

const examplePayload = `{"Vrms_current":1.23,"Vrms_sensor":1.24,"Vrms_grid":230.1,"Irms":0.45,"P":100.2,"S":103.5,"PF":0.97}`

func decode(t *testing.T, body string) any {
	t.Helper()
	var v any
	if err := json.Unmarshal([]byte(body), &v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func TestSubmitQueuesValidMeasurement(t *testing.T) {
	q := queue.NewMemQueue(4)
	obs := &mockObs{}
	fixed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.FixedZone("ICT", 7*3600))

	svc, err := NewService(q, ports.Policy{OnQueueFull: "block"}, obs, WithClock(func() time.Time { return fixed }))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	m, pending, err := svc.Submit(decode(t, examplePayload))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if pending == nil || pending.Seq() != 1 {
		t.Fatalf("expected pending append with seq 1, got %+v", pending)
	}
	if m.Timestamp.Location() != time.UTC || !m.Timestamp.Equal(fixed) {
		t.Fatalf("expected UTC server timestamp, got %s", m.Timestamp)
	}

	batch := q.DequeueBatch(0)
	if len(batch) != 1 || batch[0].Measurement != m || batch[0].Pending != pending {
		t.Fatalf("unexpected queue contents %+v", batch)
	}
	if got := m.CSVLine(); got != "2025-06-01T05:00:00.000Z,1.23,1.24,230.1,0.45,100.2,103.5,0.97" {
		t.Fatalf("unexpected line %s", got)
	}
	if obs.counters[observability.MetricAccepted] != 1 {
		t.Fatalf("expected accepted counter, got %v", obs.counters)
	}
	if len(obs.infos) != 1 || obs.infos[0] != m.Summary() {
		t.Fatalf("expected console summary, got %v", obs.infos)
	}
}

func TestSubmitRejectsInvalidWithoutQueueing(t *testing.T) {
	q := queue.NewMemQueue(4)
	obs := &mockObs{}
	svc, _ := NewService(q, ports.Policy{}, obs)

	_, pending, err := svc.Submit(decode(t, `{"Vrms_current":"1.23","Vrms_sensor":1.24,"Vrms_grid":230.1,"Irms":0.45,"P":100.2,"S":103.5,"PF":0.97}`))
	if !errors.Is(err, domain.ErrInvalidMeasurement) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if pending != nil {
		t.Fatalf("no pending append expected on rejection")
	}
	if q.Len() != 0 {
		t.Fatalf("rejected payload must not be queued")
	}
	if len(obs.rejected) != 1 || obs.rejected[0] != domain.ReasonNotNumeric {
		t.Fatalf("expected not_numeric rejection, got %v", obs.rejected)
	}
}

func TestSubmitStampsOnlyAfterValidation(t *testing.T) {
	var reads int
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		reads++
		return base.Add(time.Duration(reads) * time.Second)
	}
	svc, _ := NewService(queue.NewMemQueue(4), ports.Policy{OnQueueFull: "block"}, &mockObs{}, WithClock(clock))

	if _, _, err := svc.Submit(decode(t, `{"P":1}`)); err == nil {
		t.Fatalf("expected validation error")
	}
	if reads != 0 {
		t.Fatalf("rejected payload must not read the clock, got %d reads", reads)
	}

	m, _, err := svc.Submit(decode(t, examplePayload))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if reads != 1 || !m.Timestamp.Equal(base.Add(time.Second)) {
		t.Fatalf("expected one clock read stamped after validation, got %d reads and %s", reads, m.Timestamp)
	}
}

func TestSubmitRejectPolicyResolvesQueueFull(t *testing.T) {
	q := queue.NewMemQueue(1)
	obs := &mockObs{}
	svc, _ := NewService(q, ports.Policy{OnQueueFull: "reject", MaxQueueLen: 1}, obs)

	if _, p, err := svc.Submit(decode(t, examplePayload)); err != nil || p.Err() != nil {
		t.Fatalf("first submit should queue: %v", err)
	}
	_, p, err := svc.Submit(decode(t, examplePayload))
	if err != nil {
		t.Fatalf("queue overflow is not a validation error: %v", err)
	}
	select {
	case <-p.Done():
	default:
		t.Fatalf("expected pending to be resolved immediately")
	}
	if !errors.Is(p.Err(), ports.ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", p.Err())
	}

	svc.Observe(p)
	if obs.counters[observability.MetricAppendFailures] != 1 || len(obs.errors) != 1 {
		t.Fatalf("expected failure to be counted and logged, counters=%v errors=%v", obs.counters, obs.errors)
	}
}

func TestSubmitBlockPolicyWaitsForSpace(t *testing.T) {
	q := queue.NewMemQueue(1)
	svc, _ := NewService(q, ports.Policy{OnQueueFull: "block", IdleSleep: time.Millisecond}, &mockObs{})

	if _, _, err := svc.Submit(decode(t, examplePayload)); err != nil {
		t.Fatalf("submit: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, _, err := svc.Submit(decode(t, examplePayload)); err != nil {
			t.Errorf("blocked submit: %v", err)
		}
	}()

	time.Sleep(10 * time.Millisecond)
	select {
	case <-done:
		t.Fatalf("submit should block while queue is full")
	default:
	}

	q.DequeueBatch(1)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("submit did not resume after space freed")
	}
	if q.Len() != 1 {
		t.Fatalf("expected second record queued, len=%d", q.Len())
	}
}

func TestSubmitAssignsIncreasingSequence(t *testing.T) {
	q := queue.NewMemQueue(100)
	svc, _ := NewService(q, ports.Policy{OnQueueFull: "block"}, &mockObs{})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := svc.Submit(map[string]any{
				"Vrms_current": 1.0, "Vrms_sensor": 1.0, "Vrms_grid": 1.0,
				"Irms": 1.0, "P": 1.0, "S": 1.0, "PF": 1.0,
			}); err != nil {
				t.Errorf("submit: %v", err)
			}
		}()
	}
	wg.Wait()

	seen := map[ports.RecordSeq]bool{}
	for _, r := range q.DequeueBatch(0) {
		if seen[r.Seq] {
			t.Fatalf("duplicate seq %d", r.Seq)
		}
		seen[r.Seq] = true
	}
	if len(seen) != 50 {
		t.Fatalf("expected 50 distinct records, got %d", len(seen))
	}
}

func TestObserveSuccessIsQuiet(t *testing.T) {
	obs := &mockObs{}
	svc, _ := NewService(queue.NewMemQueue(1), ports.Policy{}, obs)

	p := ports.NewPendingAppend(1)
	p.Resolve(nil)
	svc.Observe(p)
	if len(obs.errors) != 0 {
		t.Fatalf("unexpected errors %v", obs.errors)
	}
}

func TestNewServiceRequiresDependencies(t *testing.T) {
	if _, err := NewService(nil, ports.Policy{}, &mockObs{}); err == nil {
		t.Fatalf("expected error without queue")
	}
	if _, err := NewService(queue.NewMemQueue(1), ports.Policy{}, nil); err == nil {
		t.Fatalf("expected error without observability")
	}
}

type mockObs struct {
	mu       sync.Mutex
	infos    []string
	errors   []error
	rejected []string
	counters map[string]float64
}

func (m *mockObs) LogInfo(msg string, _ ...ports.Field) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.infos = append(m.infos, msg)
}

func (m *mockObs) LogError(_ string, err error, _ ...ports.Field) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors = append(m.errors, err)
}

func (m *mockObs) LogCritical(string, error, ...ports.Field) {}

func (m *mockObs) IncCounter(name string, v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counters == nil {
		m.counters = map[string]float64{}
	}
	m.counters[name] += v
}

func (m *mockObs) ObserveLatency(string, float64) {}
func (m *mockObs) SetGauge(string, float64)       {}

func (m *mockObs) RecordRejected(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejected = append(m.rejected, reason)
}
