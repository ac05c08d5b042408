// Package capability defines the bounded interface handed to executing
// automation code: a logging sink bound to the job's record, a transactional
// data-access handle, a bundle of named network operations, and the job's
// own parameters. One Context is built per execution, owned exclusively by
// it, and released unconditionally when the execution ends.
package capability

import (
	"context"
	"errors"

	"netops-console/internal/models"
)

// ErrNoValue is returned by Datastore.Get for a missing key.
var ErrNoValue = errors.New("no value for key")

// Datastore is the job-scoped, transactional data-access handle. The store
// package implements it; Close semantics are owned by the Context.
type Datastore interface {
	Put(ctx context.Context, key string, value any) error
	Get(ctx context.Context, key string) (any, error)
	RecordMeasurement(ctx context.Context, m models.Measurement) error
	Close(ctx context.Context, success bool) error
}

// ProbeRequest asks for RTT sampling against one target.
type ProbeRequest struct {
	Target   string
	Samples  int
	Interval int // milliseconds between samples
}

// ProbeResult carries per-target WAN metrics. Jitter is the mean absolute
// deviation between consecutive round-trip samples.
type ProbeResult struct {
	LatencyMS     float64
	JitterMS      float64
	PacketLossPct float64
}

// DeviceConfigRequest asks for a device's running configuration. The device
// class selects a fixed show-command; callers never pass command strings.
type DeviceConfigRequest struct {
	Host        string
	Port        int
	DeviceClass string
}

// ResetRequest asks for an abortive close of a lab target's connection.
type ResetRequest struct {
	Host string
	Port int
}

// Network is the bundle of named network operations exposed to executing
// code. Every operation takes explicit structured parameters.
type Network interface {
	ProbeLatency(ctx context.Context, req ProbeRequest) (ProbeResult, error)
	FetchDeviceConfig(ctx context.Context, req DeviceConfigRequest) (string, error)
	SendReset(ctx context.Context, req ResetRequest) error
}

// LogFunc receives one log line. The worker binds it to the job record's
// append path so each line lands as it is emitted, not at the end.
type LogFunc func(line string)

// Context is the capability set for exactly one execution.
type Context struct {
	jobID  string
	params map[string]any
	data   Datastore
	net    Network
	logFn  LogFunc
	closed bool
}

// NewContext assembles a capability context. params is copied so executing
// code cannot mutate the submitted record's input.
func NewContext(jobID string, params map[string]any, data Datastore, net Network, logFn LogFunc) *Context {
	cp := make(map[string]any, len(params))
	for k, v := range params {
		cp[k] = v
	}
	if logFn == nil {
		logFn = func(string) {}
	}
	return &Context{jobID: jobID, params: cp, data: data, net: net, logFn: logFn}
}

// JobID returns the owning job's identifier.
func (c *Context) JobID() string { return c.jobID }

// Params returns the job's submission parameters.
func (c *Context) Params() map[string]any { return c.params }

// Param returns a single parameter value.
func (c *Context) Param(key string) (any, bool) {
	v, ok := c.params[key]
	return v, ok
}

// Log emits one line to the job's log stream.
func (c *Context) Log(line string) { c.logFn(line) }

// Data returns the transactional data-access handle.
func (c *Context) Data() Datastore { return c.data }

// Net returns the network operation bundle.
func (c *Context) Net() Network { return c.net }

// Close releases held resources. Called exactly once per execution by the
// runtime adapter, on every exit path; extra calls are no-ops.
func (c *Context) Close(ctx context.Context, success bool) error {
	if c.closed {
		return nil
	}
	c.closed = true
	if c.data == nil {
		return nil
	}
	return c.data.Close(ctx, success)
}
