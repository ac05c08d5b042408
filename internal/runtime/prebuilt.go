package runtime

import (
	"context"
	"fmt"

	"netops-console/internal/capability"
)

// Prebuilt returns the fixed units shipped with the console. The WAN health
// sampler is registered separately by the monitor, which owns its scoring.
func Prebuilt() []Unit {
	return []Unit{
		{Name: "latency_probe", Entry: BlockingEntry(latencyProbe)},
		{Name: "device_config_pull", Entry: SuspendingEntry(deviceConfigPull)},
		{Name: "connection_reset", Entry: SuspendingEntry(connectionReset)},
	}
}

// latencyProbe samples RTT against the target named in params and returns
// the per-target metrics as the structured result.
func latencyProbe(cc *capability.Context) (map[string]any, error) {
	target, err := stringParam(cc, "target")
	if err != nil {
		return nil, err
	}
	req := capability.ProbeRequest{Target: target}
	if n, ok := numberParam(cc, "samples"); ok {
		req.Samples = n
	}

	cc.Log(fmt.Sprintf("probing %s", target))
	res, err := cc.Net().ProbeLatency(context.Background(), req)
	if err != nil {
		return nil, fmt.Errorf("probe %s: %w", target, err)
	}
	cc.Log(fmt.Sprintf("probe %s: latency=%.2fms jitter=%.2fms loss=%.1f%%",
		target, res.LatencyMS, res.JitterMS, res.PacketLossPct))

	return map[string]any{
		"target":          target,
		"latency_ms":      res.LatencyMS,
		"jitter_ms":       res.JitterMS,
		"packet_loss_pct": res.PacketLossPct,
	}, nil
}

// deviceConfigPull fetches a device's running configuration over SSH and
// stashes it in the job's datastore under "config".
func deviceConfigPull(ctx context.Context, cc *capability.Context) (map[string]any, error) {
	host, err := stringParam(cc, "host")
	if err != nil {
		return nil, err
	}
	class, err := stringParam(cc, "device_class")
	if err != nil {
		return nil, err
	}
	req := capability.DeviceConfigRequest{Host: host, DeviceClass: class}
	if p, ok := numberParam(cc, "port"); ok {
		req.Port = p
	}

	cc.Log(fmt.Sprintf("pulling config from %s (%s)", host, class))
	cfg, err := cc.Net().FetchDeviceConfig(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := cc.Data().Put(ctx, "config", cfg); err != nil {
		return nil, err
	}
	cc.Log(fmt.Sprintf("pulled %d bytes from %s", len(cfg), host))

	return map[string]any{"host": host, "bytes": len(cfg)}, nil
}

// connectionReset performs an abortive TCP close against a lab target. Only
// reachable when the deployment runs in lab mode.
func connectionReset(ctx context.Context, cc *capability.Context) (map[string]any, error) {
	host, err := stringParam(cc, "host")
	if err != nil {
		return nil, err
	}
	port, ok := numberParam(cc, "port")
	if !ok {
		return nil, fmt.Errorf("param %q is required", "port")
	}

	cc.Log(fmt.Sprintf("sending reset to %s:%d", host, port))
	if err := cc.Net().SendReset(ctx, capability.ResetRequest{Host: host, Port: port}); err != nil {
		return nil, err
	}
	return map[string]any{"host": host, "port": port}, nil
}

func stringParam(cc *capability.Context, key string) (string, error) {
	v, ok := cc.Param(key)
	if !ok {
		return "", fmt.Errorf("param %q is required", key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("param %q must be a non-empty string", key)
	}
	return s, nil
}

func numberParam(cc *capability.Context, key string) (int, bool) {
	v, ok := cc.Param(key)
	if !ok {
		return 0, false
	}
	switch t := v.(type) {
	case float64:
		return int(t), true
	case int:
		return t, true
	case int64:
		return int(t), true
	default:
		return 0, false
	}
}
