package netcap

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"time"

	"golang.org/x/crypto/ssh"

	"netops-console/internal/capability"
)

// showCommands maps a device class to the single read-only command used to
// pull its running configuration. The class is the only caller-controlled
// input; the command itself is fixed.
var showCommands = map[string]string{
	"ios":      "show running-config",
	"junos":    "show configuration | display set",
	"eos":      "show running-config",
	"mikrotik": "/export",
}

type sshClient struct {
	user        string
	signer      ssh.Signer
	dialTimeout time.Duration
}

func newSSHClient(user, keyPath string, dialTimeout time.Duration) (*sshClient, error) {
	if dialTimeout == 0 {
		dialTimeout = 10 * time.Second
	}
	c := &sshClient{user: user, dialTimeout: dialTimeout}
	if keyPath != "" {
		raw, err := os.ReadFile(keyPath)
		if err != nil {
			return nil, fmt.Errorf("read ssh key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(raw)
		if err != nil {
			return nil, fmt.Errorf("parse ssh key: %w", err)
		}
		c.signer = signer
	}
	return c, nil
}

// FetchDeviceConfig connects to the device over SSH and runs the fixed
// show-command for its class, returning the raw output.
func (b *Bundle) FetchDeviceConfig(ctx context.Context, req capability.DeviceConfigRequest) (string, error) {
	command, ok := showCommands[req.DeviceClass]
	if !ok {
		return "", fmt.Errorf("unknown device class %q", req.DeviceClass)
	}
	if b.ssh.signer == nil {
		return "", fmt.Errorf("ssh key not configured")
	}
	port := req.Port
	if port == 0 {
		port = 22
	}

	cfg := &ssh.ClientConfig{
		User:            b.ssh.user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(b.ssh.signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         b.ssh.dialTimeout,
	}

	addr := hostPort(req.Host, port)
	conn, err := b.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return "", fmt.Errorf("dial device %s: %w", addr, err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		_ = conn.Close()
		return "", fmt.Errorf("ssh handshake %s: %w", addr, err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("open ssh session: %w", err)
	}
	defer session.Close()

	var out bytes.Buffer
	session.Stdout = &out

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()
	select {
	case <-ctx.Done():
		_ = session.Close()
		return "", ctx.Err()
	case err := <-done:
		if err != nil {
			return "", fmt.Errorf("run %q on %s: %w", command, addr, err)
		}
	}
	return out.String(), nil
}
