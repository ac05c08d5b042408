package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"netops-console/internal/capability"
	"netops-console/internal/config"
	"netops-console/internal/guard"
	"netops-console/internal/models"
	"netops-console/internal/runtime"
	"netops-console/internal/store"
	"netops-console/internal/telemetry"
)

// JobStore is the slice of the record store the worker loop needs.
type JobStore interface {
	ClaimJob(ctx context.Context, id string) (models.JobRecord, error)
	AppendLog(ctx context.Context, id, line string) (bool, error)
	CompleteJob(ctx context.Context, id string, result map[string]any) error
	FailJob(ctx context.Context, id, message string) error
	BeginJobData(ctx context.Context, jobID string) (capability.Datastore, error)
}

// JobQueue is the dispatch channel the worker loop consumes.
type JobQueue interface {
	DequeueWithLease(ctx context.Context) (string, error)
	Ack(ctx context.Context, jobID string) error
	RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error)
	Depth(ctx context.Context) (int64, error)
}

// UnitResolver maps a claimed record to a runnable unit.
type UnitResolver interface {
	Resolve(ctx context.Context, job models.JobRecord) (runtime.Unit, error)
}

// Processor drives the worker execution loop. Failures inside one job never
// escape it; only store/queue connectivity failures propagate out of Run.
type Processor struct {
	cfg      config.Config
	queue    JobQueue
	store    JobStore
	guard    *guard.Guard
	resolver UnitResolver
	adapter  *runtime.Adapter
	net      capability.Network
	workerID string
}

func NewProcessor(cfg config.Config, q JobQueue, st JobStore, g *guard.Guard, r UnitResolver, net capability.Network, workerID string) *Processor {
	return &Processor{
		cfg:      cfg,
		queue:    q,
		store:    st,
		guard:    g,
		resolver: r,
		adapter:  runtime.NewAdapter(cfg.ExecTimeout),
		net:      net,
		workerID: workerID,
	}
}

// Run pulls job ids until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if reclaimed, err := p.queue.RequeueExpired(ctx, time.Now(), 100); err == nil && len(reclaimed) > 0 {
			log.Printf("worker %s: requeued %d expired leases", p.workerID, len(reclaimed))
		}
		if depth, err := p.queue.Depth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}

		jobID, err := p.queue.DequeueWithLease(ctx)
		if err != nil || jobID == "" {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.cfg.WorkerPollInterval):
			}
			continue
		}

		telemetry.InFlightGauge.Inc()
		if err := p.Execute(ctx, jobID); err != nil {
			telemetry.InFlightGauge.Dec()
			return fmt.Errorf("worker %s: %w", p.workerID, err)
		}
		if err := p.queue.Ack(ctx, jobID); err != nil {
			log.Printf("worker %s: ack %s: %v", p.workerID, jobID, err)
		}
		telemetry.InFlightGauge.Dec()
	}
}

// Execute takes one job id through the full lifecycle: claim, authorize,
// resolve, build the capability context, invoke, persist the outcome. The
// periodic monitor calls this directly, bypassing the queue. A non-nil
// return means the store itself is unusable; any fault scoped to the job
// lands in the job record instead.
func (p *Processor) Execute(ctx context.Context, jobID string) error {
	job, err := p.store.ClaimJob(ctx, jobID)
	if errors.Is(err, store.ErrAlreadyClaimed) {
		// Duplicate delivery; the claim winner owns the record.
		telemetry.ClaimRaces.Inc()
		log.Printf("worker %s: job %s already claimed", p.workerID, jobID)
		return nil
	}
	if errors.Is(err, store.ErrNotFound) {
		log.Printf("worker %s: job %s not found", p.workerID, jobID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("claim %s: %w", jobID, err)
	}

	// Denial fails the record rather than short-circuiting before claim, so
	// an audit trail exists even for refused attempts.
	if d := p.guard.Authorize(job.Kind, job.Name); !d.Allowed {
		telemetry.JobDenied.Inc()
		return p.failJob(ctx, job.ID, "authorization denied: "+d.Reason)
	}

	unit, err := p.resolver.Resolve(ctx, job)
	if err != nil {
		return p.failJob(ctx, job.ID, fmt.Sprintf("resolve unit: %v", err))
	}

	data, err := p.store.BeginJobData(ctx, job.ID)
	if err != nil {
		return p.failJob(ctx, job.ID, fmt.Sprintf("open data handle: %v", err))
	}
	cc := capability.NewContext(job.ID, job.Params, data, p.net, p.logSink(ctx, job.ID))

	result, err := p.adapter.Invoke(ctx, unit, cc)
	if err != nil {
		if errors.Is(err, runtime.ErrTimeout) {
			telemetry.JobTimeouts.Inc()
			return p.failJob(ctx, job.ID, runtime.TimeoutMessage)
		}
		return p.failJob(ctx, job.ID, err.Error())
	}

	if err := p.store.CompleteJob(ctx, job.ID, result); err != nil {
		return fmt.Errorf("complete %s: %w", job.ID, err)
	}
	telemetry.JobSuccess.Inc()
	return nil
}

func (p *Processor) failJob(ctx context.Context, id, message string) error {
	if err := p.store.FailJob(ctx, id, message); err != nil {
		return fmt.Errorf("fail %s: %w", id, err)
	}
	telemetry.JobFailures.Inc()
	return nil
}

// logSink forwards each emitted line to the record as it occurs. Lines
// arriving after the record went terminal are dropped with a warning.
func (p *Processor) logSink(ctx context.Context, jobID string) capability.LogFunc {
	return func(line string) {
		appended, err := p.store.AppendLog(context.WithoutCancel(ctx), jobID, line)
		if err != nil {
			log.Printf("worker %s: append log for %s: %v", p.workerID, jobID, err)
			return
		}
		if !appended {
			log.Printf("worker %s: dropped log line for terminal job %s", p.workerID, jobID)
		}
	}
}
