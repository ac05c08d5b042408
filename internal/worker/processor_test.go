package worker

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"netops-console/internal/capability"
	"netops-console/internal/config"
	"netops-console/internal/guard"
	"netops-console/internal/models"
	"netops-console/internal/runtime"
	"netops-console/internal/store"
)

// memStore is an in-memory JobStore enforcing the same transition guards as
// the Postgres store.
type memStore struct {
	mu   sync.Mutex
	jobs map[string]*models.JobRecord
}

func newMemStore(jobs ...models.JobRecord) *memStore {
	m := &memStore{jobs: make(map[string]*models.JobRecord)}
	for i := range jobs {
		j := jobs[i]
		m.jobs[j.ID] = &j
	}
	return m
}

func (m *memStore) ClaimJob(_ context.Context, id string) (models.JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return models.JobRecord{}, store.ErrNotFound
	}
	if j.Status != models.StatusPending {
		return models.JobRecord{}, store.ErrAlreadyClaimed
	}
	now := time.Now().UTC()
	j.Status = models.StatusRunning
	j.StartedAt = &now
	return *j, nil
}

func (m *memStore) AppendLog(_ context.Context, id, line string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Status != models.StatusRunning {
		return false, nil
	}
	j.Logs = append(j.Logs, line)
	return true, nil
}

func (m *memStore) CompleteJob(_ context.Context, id string, result map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.jobs[id]
	now := time.Now().UTC()
	j.Status = models.StatusSuccess
	j.Result = result
	j.FinishedAt = &now
	return nil
}

func (m *memStore) FailJob(_ context.Context, id, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.jobs[id]
	now := time.Now().UTC()
	j.Logs = append(j.Logs, message)
	j.Status = models.StatusFailed
	j.FinishedAt = &now
	return nil
}

func (m *memStore) BeginJobData(_ context.Context, _ string) (capability.Datastore, error) {
	return &nopDatastore{}, nil
}

func (m *memStore) get(id string) models.JobRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.jobs[id]
}

type nopDatastore struct{}

func (nopDatastore) Put(_ context.Context, _ string, _ any) error { return nil }
func (nopDatastore) Get(_ context.Context, _ string) (any, error) {
	return nil, capability.ErrNoValue
}
func (nopDatastore) RecordMeasurement(_ context.Context, _ models.Measurement) error { return nil }
func (nopDatastore) Close(_ context.Context, _ bool) error                           { return nil }

// countingNetwork records whether any operation was performed.
type countingNetwork struct {
	mu    sync.Mutex
	calls int
}

func (c *countingNetwork) bump() {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
}

func (c *countingNetwork) ProbeLatency(_ context.Context, _ capability.ProbeRequest) (capability.ProbeResult, error) {
	c.bump()
	return capability.ProbeResult{LatencyMS: 20, JitterMS: 2}, nil
}

func (c *countingNetwork) FetchDeviceConfig(_ context.Context, _ capability.DeviceConfigRequest) (string, error) {
	c.bump()
	return "", nil
}

func (c *countingNetwork) SendReset(_ context.Context, _ capability.ResetRequest) error {
	c.bump()
	return nil
}

func testGuard(labMode bool) *guard.Guard {
	return guard.New(config.Policy{
		AllowDefault:   []string{"latency_probe"},
		AllowLabOnly:   []string{"malformed_syn_flood"},
		UploadsEnabled: true,
	}, labMode)
}

func testProcessor(st JobStore, net capability.Network, registry *runtime.Registry, timeout time.Duration) *Processor {
	cfg := config.Load()
	cfg.ExecTimeout = timeout
	return NewProcessor(cfg, nil, st, testGuard(false), runtime.NewResolver(registry, nil), net, "test-worker")
}

func TestExecuteSuccessPath(t *testing.T) {
	st := newMemStore(models.JobRecord{
		ID:     "job-1",
		Kind:   models.KindPrebuilt,
		Name:   "latency_probe",
		Status: models.StatusPending,
		Params: map[string]any{"target": "192.0.2.1"},
	})
	registry := runtime.NewRegistry()
	for _, u := range runtime.Prebuilt() {
		registry.Register(u)
	}

	p := testProcessor(st, &countingNetwork{}, registry, time.Second)
	if err := p.Execute(context.Background(), "job-1"); err != nil {
		t.Fatalf("execute: %v", err)
	}

	job := st.get("job-1")
	if job.Status != models.StatusSuccess {
		t.Fatalf("expected success, got %s (logs %v)", job.Status, job.Logs)
	}
	if job.Result["latency_ms"] == nil || job.Result["jitter_ms"] == nil || job.Result["packet_loss_pct"] == nil {
		t.Fatalf("result missing metrics: %v", job.Result)
	}
	if job.StartedAt == nil || job.FinishedAt == nil {
		t.Fatal("timestamps not stamped")
	}
}

func TestExecuteDenialFailsAfterClaim(t *testing.T) {
	st := newMemStore(models.JobRecord{
		ID:     "job-2",
		Kind:   models.KindPrebuilt,
		Name:   "malformed_syn_flood",
		Status: models.StatusPending,
	})
	net := &countingNetwork{}
	p := testProcessor(st, net, runtime.NewRegistry(), time.Second)

	if err := p.Execute(context.Background(), "job-2"); err != nil {
		t.Fatalf("execute: %v", err)
	}

	job := st.get("job-2")
	if job.Status != models.StatusFailed {
		t.Fatalf("expected failed, got %s", job.Status)
	}
	if job.StartedAt == nil || job.FinishedAt == nil {
		t.Fatal("denied job must still carry the audit timestamps")
	}
	if len(job.Logs) == 0 || !strings.Contains(job.Logs[len(job.Logs)-1], "authorization denied") {
		t.Fatalf("denial reason not recorded: %v", job.Logs)
	}
	if !strings.Contains(strings.Join(job.Logs, "\n"), "lab-only") {
		t.Fatalf("reason should distinguish lab-only denial: %v", job.Logs)
	}
	if net.calls != 0 {
		t.Fatalf("no network operation may run for a denied job, saw %d", net.calls)
	}
}

func TestExecuteAlreadyClaimedIsBenign(t *testing.T) {
	started := time.Now().UTC()
	st := newMemStore(models.JobRecord{
		ID:        "job-3",
		Kind:      models.KindPrebuilt,
		Name:      "latency_probe",
		Status:    models.StatusRunning,
		StartedAt: &started,
	})
	p := testProcessor(st, &countingNetwork{}, runtime.NewRegistry(), time.Second)

	if err := p.Execute(context.Background(), "job-3"); err != nil {
		t.Fatalf("duplicate delivery must not error: %v", err)
	}
	if job := st.get("job-3"); job.Status != models.StatusRunning {
		t.Fatalf("lost claim race must not mutate the record, got %s", job.Status)
	}
}

func TestExecuteTimeoutProducesFixedMessage(t *testing.T) {
	st := newMemStore(models.JobRecord{
		ID:     "job-4",
		Kind:   models.KindPrebuilt,
		Name:   "latency_probe",
		Status: models.StatusPending,
		Params: map[string]any{"target": "192.0.2.1"},
	})
	registry := runtime.NewRegistry()
	registry.Register(runtime.Unit{Name: "latency_probe", Entry: runtime.BlockingEntry(
		func(cc *capability.Context) (map[string]any, error) {
			time.Sleep(5 * time.Second)
			return nil, nil
		})})

	p := testProcessor(st, &countingNetwork{}, registry, 50*time.Millisecond)
	if err := p.Execute(context.Background(), "job-4"); err != nil {
		t.Fatalf("execute: %v", err)
	}

	job := st.get("job-4")
	if job.Status != models.StatusFailed {
		t.Fatalf("expected failed, got %s", job.Status)
	}
	if len(job.Logs) == 0 || job.Logs[len(job.Logs)-1] != runtime.TimeoutMessage {
		t.Fatalf("timeout message must be the fixed string, got %v", job.Logs)
	}
}

func TestExecuteLogOrderPreserved(t *testing.T) {
	st := newMemStore(models.JobRecord{
		ID:     "job-5",
		Kind:   models.KindPrebuilt,
		Name:   "latency_probe",
		Status: models.StatusPending,
	})
	registry := runtime.NewRegistry()
	registry.Register(runtime.Unit{Name: "latency_probe", Entry: runtime.BlockingEntry(
		func(cc *capability.Context) (map[string]any, error) {
			cc.Log("a")
			cc.Log("b")
			cc.Log("c")
			return map[string]any{}, nil
		})})

	p := testProcessor(st, &countingNetwork{}, registry, time.Second)
	if err := p.Execute(context.Background(), "job-5"); err != nil {
		t.Fatalf("execute: %v", err)
	}

	job := st.get("job-5")
	if len(job.Logs) != 3 || job.Logs[0] != "a" || job.Logs[1] != "b" || job.Logs[2] != "c" {
		t.Fatalf("log order not preserved: %v", job.Logs)
	}
}

func TestConcurrentClaimsOneWinner(t *testing.T) {
	st := newMemStore(models.JobRecord{
		ID:     "job-6",
		Kind:   models.KindPrebuilt,
		Name:   "latency_probe",
		Status: models.StatusPending,
	})

	const attempts = 8
	var wg sync.WaitGroup
	wins := make(chan struct{}, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := st.ClaimJob(context.Background(), "job-6"); err == nil {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)

	var winners int
	for range wins {
		winners++
	}
	if winners != 1 {
		t.Fatalf("expected exactly one claim winner, got %d", winners)
	}
}
