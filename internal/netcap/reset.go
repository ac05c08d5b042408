package netcap

import (
	"context"
	"fmt"
	"net"

	"netops-console/internal/capability"
)

// SendReset opens a connection to the lab target and tears it down
// abortively (SO_LINGER 0 forces an RST rather than a graceful FIN). Only
// reachable through lab-only allowlisted units.
func (b *Bundle) SendReset(ctx context.Context, req capability.ResetRequest) error {
	if req.Port == 0 {
		return fmt.Errorf("reset: port is required")
	}
	addr := hostPort(req.Host, req.Port)
	conn, err := b.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial reset target %s: %w", addr, err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		if err := tcp.SetLinger(0); err != nil {
			_ = conn.Close()
			return fmt.Errorf("set linger on %s: %w", addr, err)
		}
	}
	if err := conn.Close(); err != nil {
		return fmt.Errorf("abortive close %s: %w", addr, err)
	}
	return nil
}
