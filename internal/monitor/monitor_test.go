package monitor

import (
	"context"
	"testing"
	"time"

	"netops-console/internal/capability"
	"netops-console/internal/models"
	"netops-console/internal/runtime"
	"netops-console/internal/store"
)

type recordingDatastore struct {
	measurements []models.Measurement
}

func (r *recordingDatastore) Put(_ context.Context, _ string, _ any) error { return nil }
func (r *recordingDatastore) Get(_ context.Context, _ string) (any, error) {
	return nil, capability.ErrNoValue
}
func (r *recordingDatastore) RecordMeasurement(_ context.Context, m models.Measurement) error {
	r.measurements = append(r.measurements, m)
	return nil
}
func (r *recordingDatastore) Close(_ context.Context, _ bool) error { return nil }

type stubNetwork struct {
	results map[string]capability.ProbeResult
}

func (s *stubNetwork) ProbeLatency(_ context.Context, req capability.ProbeRequest) (capability.ProbeResult, error) {
	return s.results[req.Target], nil
}
func (s *stubNetwork) FetchDeviceConfig(_ context.Context, _ capability.DeviceConfigRequest) (string, error) {
	return "", nil
}
func (s *stubNetwork) SendReset(_ context.Context, _ capability.ResetRequest) error { return nil }

func TestHealthUnitWritesPerTargetAndComposite(t *testing.T) {
	data := &recordingDatastore{}
	net := &stubNetwork{results: map[string]capability.ProbeResult{
		"gateway": {LatencyMS: 2, JitterMS: 0.5, PacketLossPct: 0},
		"edge":    {LatencyMS: 18, JitterMS: 1.5, PacketLossPct: 0},
	}}
	params := map[string]any{"targets": []any{"gateway", "edge"}}
	cc := capability.NewContext("job-mon", params, data, net, nil)

	result, err := runtime.NewAdapter(time.Second).Invoke(context.Background(), HealthUnit(), cc)
	if err != nil {
		t.Fatalf("invoke health unit: %v", err)
	}

	// Two per-target rows plus one global composite row.
	if len(data.measurements) != 3 {
		t.Fatalf("expected 3 measurements, got %d", len(data.measurements))
	}
	composite := data.measurements[2]
	if composite.Target != "" {
		t.Fatalf("composite row must carry no target identity, got %q", composite.Target)
	}
	if composite.Score < 95 {
		t.Fatalf("healthy targets should score near 100, got %.2f", composite.Score)
	}
	for _, m := range data.measurements[:2] {
		if m.Target == "" {
			t.Fatal("per-target rows must carry the target identity")
		}
	}

	score, ok := result["score"].(float64)
	if !ok || score != composite.Score {
		t.Fatalf("result score %v does not match composite %v", result["score"], composite.Score)
	}
}

func TestHealthUnitRequiresTargets(t *testing.T) {
	cc := capability.NewContext("job-mon", map[string]any{}, &recordingDatastore{}, &stubNetwork{}, nil)
	_, err := runtime.NewAdapter(time.Second).Invoke(context.Background(), HealthUnit(), cc)
	if err == nil {
		t.Fatal("expected error when targets param is missing")
	}
}

type fakeCreator struct {
	created []store.CreateJobParams
}

func (f *fakeCreator) CreateJob(_ context.Context, p store.CreateJobParams) (models.JobRecord, error) {
	f.created = append(f.created, p)
	return models.JobRecord{ID: "job-42", Kind: p.Kind, Name: p.Name, Status: models.StatusPending}, nil
}

type fakeExecutor struct {
	executed []string
}

func (f *fakeExecutor) Execute(_ context.Context, jobID string) error {
	f.executed = append(f.executed, jobID)
	return nil
}

func TestTickCreatesAndExecutesSampleJob(t *testing.T) {
	creator := &fakeCreator{}
	executor := &fakeExecutor{}
	m := New(creator, executor, []string{"gateway"}, time.Minute)

	m.Tick(context.Background())

	if len(creator.created) != 1 {
		t.Fatalf("expected 1 created job, got %d", len(creator.created))
	}
	if creator.created[0].Name != UnitName || creator.created[0].Kind != models.KindPrebuilt {
		t.Fatalf("unexpected job: %+v", creator.created[0])
	}
	if len(executor.executed) != 1 || executor.executed[0] != "job-42" {
		t.Fatalf("sample job not executed in-process: %v", executor.executed)
	}
}
