// Package runtime loads automation units and invokes them against a
// capability context, normalizing every outcome to a structured result or an
// error. It is the blast-radius boundary: nothing raised by a unit escapes
// into the worker loop.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"netops-console/internal/capability"
)

// TimeoutMessage is the fixed, recognizable failure message for enforced
// timeouts so monitoring can alert on timeout rate specifically.
const TimeoutMessage = "execution timed out"

// ErrTimeout is returned when a unit exceeds the wall-clock limit.
var ErrTimeout = errors.New(TimeoutMessage)

// Entry is the tagged union of supported entry-point styles. Automation
// authors write either a plain blocking function or a context-aware one that
// can suspend at data/network calls; the adapter dispatches on the variant.
type Entry interface {
	isEntry()
}

// BlockingEntry occupies its goroutine for the full duration of the call.
type BlockingEntry func(cc *capability.Context) (map[string]any, error)

// SuspendingEntry receives the invocation context and is expected to honor
// its cancellation at blocking points.
type SuspendingEntry func(ctx context.Context, cc *capability.Context) (map[string]any, error)

func (BlockingEntry) isEntry()   {}
func (SuspendingEntry) isEntry() {}

// Unit is one loadable automation unit.
type Unit struct {
	Name  string
	Entry Entry
}

// Adapter invokes units under a wall-clock timeout.
type Adapter struct {
	timeout time.Duration
}

// NewAdapter builds an adapter. timeout <= 0 falls back to five minutes.
func NewAdapter(timeout time.Duration) *Adapter {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Adapter{timeout: timeout}
}

type invocation struct {
	result map[string]any
	err    error
}

// Invoke runs the unit with the capability context and produces exactly one
// outcome. Panics inside the unit are converted to errors; on timeout the
// in-flight invocation is cancelled (or, for a blocking entry, abandoned)
// and the context's resources are released. The capability context is closed
// on every path; the result is present only on success.
func (a *Adapter) Invoke(ctx context.Context, unit Unit, cc *capability.Context) (map[string]any, error) {
	runCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	done := make(chan invocation, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- invocation{err: fmt.Errorf("unit %s panicked: %v", unit.Name, r)}
			}
		}()
		var out invocation
		switch entry := unit.Entry.(type) {
		case BlockingEntry:
			out.result, out.err = entry(cc)
		case SuspendingEntry:
			out.result, out.err = entry(runCtx, cc)
		default:
			out.err = fmt.Errorf("unit %s has no entry point", unit.Name)
		}
		done <- out
	}()

	select {
	case <-runCtx.Done():
		// A blocking entry cannot be interrupted; its goroutine is
		// abandoned and its eventual writes hit a closed context's
		// dropped-log path. Resources are released here regardless.
		_ = cc.Close(context.WithoutCancel(ctx), false)
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, runCtx.Err()
	case out := <-done:
		if out.err != nil {
			_ = cc.Close(context.WithoutCancel(ctx), false)
			// A cooperative entry that returns the deadline error is
			// still a timeout for reporting purposes.
			if errors.Is(out.err, context.DeadlineExceeded) && runCtx.Err() != nil {
				return nil, ErrTimeout
			}
			return nil, out.err
		}
		if err := cc.Close(context.WithoutCancel(ctx), true); err != nil {
			return nil, fmt.Errorf("release capability context: %w", err)
		}
		return out.result, nil
	}
}
