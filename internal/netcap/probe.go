// Package netcap provides the network-capability bundle: latency probing,
// device configuration pulls over SSH, and lab-only connection resets. Each
// operation has a fixed call contract with structured parameters; nothing
// here accepts free-form command strings.
package netcap

import (
	"context"
	"math"
	"net"
	"strconv"
	"time"

	"netops-console/internal/capability"
)

const (
	defaultProbeSamples  = 5
	defaultProbeInterval = 100 * time.Millisecond
	defaultProbeTimeout  = 2 * time.Second
)

// Bundle implements capability.Network.
type Bundle struct {
	dialer       net.Dialer
	ssh          *sshClient
	probeTimeout time.Duration
}

// Options configures the bundle.
type Options struct {
	SSHUser        string
	SSHKeyPath     string
	SSHDialTimeout time.Duration
	ProbeTimeout   time.Duration
}

// New builds the provider bundle.
func New(opts Options) (*Bundle, error) {
	ssh, err := newSSHClient(opts.SSHUser, opts.SSHKeyPath, opts.SSHDialTimeout)
	if err != nil {
		return nil, err
	}
	timeout := opts.ProbeTimeout
	if timeout == 0 {
		timeout = defaultProbeTimeout
	}
	return &Bundle{ssh: ssh, probeTimeout: timeout}, nil
}

// ProbeLatency samples round-trip times by timing TCP connection
// establishment against the target. A sample that fails to connect within
// the per-sample timeout counts as lost.
func (b *Bundle) ProbeLatency(ctx context.Context, req capability.ProbeRequest) (capability.ProbeResult, error) {
	samples := req.Samples
	if samples <= 0 {
		samples = defaultProbeSamples
	}
	interval := time.Duration(req.Interval) * time.Millisecond
	if interval <= 0 {
		interval = defaultProbeInterval
	}
	addr := withDefaultPort(req.Target, "443")

	rtts := make([]float64, 0, samples)
	lost := 0
	for i := 0; i < samples; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return capability.ProbeResult{}, ctx.Err()
			case <-time.After(interval):
			}
		}
		rtt, ok := b.sampleOnce(ctx, addr)
		if !ok {
			lost++
			continue
		}
		rtts = append(rtts, rtt)
	}

	res := capability.ProbeResult{
		PacketLossPct: float64(lost) / float64(samples) * 100,
	}
	if len(rtts) > 0 {
		res.LatencyMS = mean(rtts)
		res.JitterMS = Jitter(rtts)
	}
	return res, nil
}

func (b *Bundle) sampleOnce(ctx context.Context, addr string) (float64, bool) {
	dialCtx, cancel := context.WithTimeout(ctx, b.probeTimeout)
	defer cancel()
	start := time.Now()
	conn, err := b.dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return 0, false
	}
	rtt := time.Since(start)
	_ = conn.Close()
	return float64(rtt.Microseconds()) / 1000, true
}

// Jitter is the mean absolute deviation between consecutive RTT samples,
// in the samples' unit.
func Jitter(rtts []float64) float64 {
	if len(rtts) < 2 {
		return 0
	}
	var sum float64
	for i := 1; i < len(rtts); i++ {
		sum += math.Abs(rtts[i] - rtts[i-1])
	}
	return sum / float64(len(rtts)-1)
}

func mean(vals []float64) float64 {
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

func withDefaultPort(target, port string) string {
	if _, _, err := net.SplitHostPort(target); err == nil {
		return target
	}
	return net.JoinHostPort(target, port)
}

func hostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
