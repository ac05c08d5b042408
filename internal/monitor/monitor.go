// Package monitor samples WAN health on a fixed cadence. Each tick creates a
// job record and runs it through the same claim/capability/adapter path as
// user-submitted work, bypassing only the queue; its measurement writes go
// through the job's transactional datastore.
package monitor

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"netops-console/internal/capability"
	"netops-console/internal/models"
	"netops-console/internal/runtime"
	"netops-console/internal/store"
	"netops-console/internal/telemetry"
)

// UnitName is the prebuilt unit the monitor schedules. Deployments keep it
// on the default allowlist.
const UnitName = "wan_health_sample"

// JobCreator is the slice of the record store the monitor needs.
type JobCreator interface {
	CreateJob(ctx context.Context, p store.CreateJobParams) (models.JobRecord, error)
}

// Executor runs a pending job record to a terminal state.
type Executor interface {
	Execute(ctx context.Context, jobID string) error
}

// Monitor drives the sampling schedule.
type Monitor struct {
	store    JobCreator
	executor Executor
	targets  []string
	interval time.Duration
}

func New(st JobCreator, ex Executor, targets []string, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Monitor{store: st, executor: ex, targets: targets, interval: interval}
}

// Run schedules ticks until context cancellation.
func (m *Monitor) Run(ctx context.Context) {
	if len(m.targets) == 0 {
		log.Printf("monitor: no targets configured, not starting")
		return
	}
	c := cron.New()
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", m.interval), func() { m.Tick(ctx) }); err != nil {
		log.Printf("monitor: schedule: %v", err)
		return
	}
	c.Start()
	<-ctx.Done()
	stopCtx := c.Stop()
	<-stopCtx.Done()
}

// Tick creates one sampling job and executes it in-process.
func (m *Monitor) Tick(ctx context.Context) {
	targets := make([]any, len(m.targets))
	for i, t := range m.targets {
		targets[i] = t
	}
	job, err := m.store.CreateJob(ctx, store.CreateJobParams{
		Kind:      models.KindPrebuilt,
		Name:      UnitName,
		Submitter: "periodic-monitor",
		Params:    map[string]any{"targets": targets},
	})
	if err != nil {
		log.Printf("monitor: create sample job: %v", err)
		return
	}
	if err := m.executor.Execute(ctx, job.ID); err != nil {
		log.Printf("monitor: execute sample job %s: %v", job.ID, err)
	}
}

// HealthUnit is the prebuilt wan_health_sample unit: probe each target,
// record per-target measurements, then one global composite row with no
// target identity.
func HealthUnit() runtime.Unit {
	return runtime.Unit{Name: UnitName, Entry: runtime.SuspendingEntry(healthSample)}
}

func healthSample(ctx context.Context, cc *capability.Context) (map[string]any, error) {
	raw, ok := cc.Param("targets")
	if !ok {
		return nil, fmt.Errorf("param %q is required", "targets")
	}
	list, ok := raw.([]any)
	if !ok || len(list) == 0 {
		return nil, fmt.Errorf("param %q must be a non-empty list", "targets")
	}

	now := time.Now().UTC()
	var sumLatency, sumJitter, sumLoss float64
	probed := 0
	for _, item := range list {
		target, ok := item.(string)
		if !ok || target == "" {
			return nil, fmt.Errorf("target entries must be strings")
		}
		res, err := cc.Net().ProbeLatency(ctx, capability.ProbeRequest{Target: target})
		if err != nil {
			return nil, fmt.Errorf("probe %s: %w", target, err)
		}
		cc.Log(fmt.Sprintf("%s: latency=%.2fms jitter=%.2fms loss=%.1f%%",
			target, res.LatencyMS, res.JitterMS, res.PacketLossPct))

		if err := cc.Data().RecordMeasurement(ctx, models.Measurement{
			Target:        target,
			LatencyMS:     res.LatencyMS,
			JitterMS:      res.JitterMS,
			PacketLossPct: res.PacketLossPct,
			Score:         Score(res.LatencyMS, res.JitterMS, res.PacketLossPct),
			MeasuredAt:    now,
		}); err != nil {
			return nil, err
		}
		sumLatency += res.LatencyMS
		sumJitter += res.JitterMS
		sumLoss += res.PacketLossPct
		probed++
	}

	n := float64(probed)
	composite := models.Measurement{
		LatencyMS:     sumLatency / n,
		JitterMS:      sumJitter / n,
		PacketLossPct: sumLoss / n,
		MeasuredAt:    now,
	}
	composite.Score = Score(composite.LatencyMS, composite.JitterMS, composite.PacketLossPct)
	if err := cc.Data().RecordMeasurement(ctx, composite); err != nil {
		return nil, err
	}

	telemetry.HealthScoreGauge.Set(composite.Score)
	cc.Log(fmt.Sprintf("composite health score %.1f across %d targets", composite.Score, probed))

	return map[string]any{
		"score":           composite.Score,
		"latency_ms":      composite.LatencyMS,
		"jitter_ms":       composite.JitterMS,
		"packet_loss_pct": composite.PacketLossPct,
		"targets":         probed,
	}, nil
}
