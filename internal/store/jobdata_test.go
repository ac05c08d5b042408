package store

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"netops-console/internal/models"
)

// fakeJobTx stands in for the per-job transaction so the handle's close and
// serialization contract is testable without a database.
type fakeJobTx struct {
	execs       atomic.Int32
	commits     atomic.Int32
	rollbacks   atomic.Int32
	execDelay   time.Duration
	execEntered chan struct{}
	execDone    atomic.Bool
}

func (f *fakeJobTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if f.execEntered != nil {
		close(f.execEntered)
		f.execEntered = nil
	}
	if f.execDelay > 0 {
		time.Sleep(f.execDelay)
	}
	f.execs.Add(1)
	f.execDone.Store(true)
	return pgconn.CommandTag{}, nil
}

func (f *fakeJobTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return noRow{}
}

func (f *fakeJobTx) Commit(ctx context.Context) error {
	f.commits.Add(1)
	return nil
}

func (f *fakeJobTx) Rollback(ctx context.Context) error {
	f.rollbacks.Add(1)
	return nil
}

type noRow struct{}

func (noRow) Scan(dest ...any) error { return pgx.ErrNoRows }

func TestJobDataRejectsUseAfterClose(t *testing.T) {
	ctx := context.Background()
	tx := &fakeJobTx{}
	d := &JobData{tx: tx, jobID: "job-1"}

	if err := d.Close(ctx, false); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := tx.rollbacks.Load(); got != 1 {
		t.Fatalf("rollbacks = %d, want 1", got)
	}

	if err := d.Put(ctx, "k", "v"); !errors.Is(err, ErrDataClosed) {
		t.Fatalf("Put after close = %v, want ErrDataClosed", err)
	}
	if _, err := d.Get(ctx, "k"); !errors.Is(err, ErrDataClosed) {
		t.Fatalf("Get after close = %v, want ErrDataClosed", err)
	}
	if err := d.RecordMeasurement(ctx, models.Measurement{Target: "1.1.1.1"}); !errors.Is(err, ErrDataClosed) {
		t.Fatalf("RecordMeasurement after close = %v, want ErrDataClosed", err)
	}
	if got := tx.execs.Load(); got != 0 {
		t.Fatalf("statements reached the transaction after close: %d", got)
	}

	// Second close is a no-op, not a double rollback.
	if err := d.Close(ctx, true); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if got, want := tx.rollbacks.Load(), int32(1); got != want {
		t.Fatalf("rollbacks after second close = %d, want %d", got, want)
	}
	if got := tx.commits.Load(); got != 0 {
		t.Fatalf("commits = %d, want 0", got)
	}
}

func TestJobDataCloseWaitsForInFlightStatement(t *testing.T) {
	ctx := context.Background()
	entered := make(chan struct{})
	tx := &fakeJobTx{execDelay: 50 * time.Millisecond, execEntered: entered}
	d := &JobData{tx: tx, jobID: "job-1"}

	putErr := make(chan error, 1)
	go func() {
		putErr <- d.Put(ctx, "k", "v")
	}()
	<-entered

	if err := d.Close(ctx, false); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !tx.execDone.Load() {
		t.Fatal("Close returned while a statement was still in flight")
	}
	if err := <-putErr; err != nil {
		t.Fatalf("in-flight Put: %v", err)
	}
	if got := tx.rollbacks.Load(); got != 1 {
		t.Fatalf("rollbacks = %d, want 1", got)
	}
}
