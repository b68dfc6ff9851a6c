package firewall

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// WindowsBackend drives netsh advfirewall, using named rules keyed by a
// stable transformation of the address (underscores for dots/colons).
type WindowsBackend struct {
	Timeout time.Duration
}

// NewWindowsBackend constructs a Windows backend. There is no chain
// bootstrap step; netsh rules are named, not chained.
func NewWindowsBackend(timeout time.Duration) *WindowsBackend {
	return &WindowsBackend{Timeout: timeout}
}

func (b *WindowsBackend) run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, b.Timeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "netsh", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("netsh %s: %w (%s)", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

func ruleName(addr string) string {
	safe := strings.NewReplacer(".", "_", ":", "_").Replace(addr)
	return "FirewallBlock_" + safe
}

// Ban adds a named block rule for addr.
func (b *WindowsBackend) Ban(ctx context.Context, addr, reason string, expiry *time.Time) error {
	_, err := b.run(ctx, "advfirewall", "firewall", "add", "rule",
		"name="+ruleName(addr), "dir=in", "action=block", "remoteip="+addr)
	return err
}

// Unban deletes the named block rule for addr.
func (b *WindowsBackend) Unban(ctx context.Context, addr string) error {
	_, err := b.run(ctx, "advfirewall", "firewall", "delete", "rule", "name="+ruleName(addr))
	return err
}

// IsInstalled reports whether a block rule for addr currently exists.
func (b *WindowsBackend) IsInstalled(ctx context.Context, addr string) (bool, error) {
	out, err := b.run(ctx, "advfirewall", "firewall", "show", "rule", "name="+ruleName(addr))
	if err != nil {
		return false, nil // netsh returns non-zero when the rule does not exist
	}
	return strings.Contains(out, ruleName(addr)), nil
}

// ListBanned enumerates every rule whose name carries the block prefix.
func (b *WindowsBackend) ListBanned(ctx context.Context) ([]string, error) {
	out, err := b.run(ctx, "advfirewall", "firewall", "show", "rule", "name=all")
	if err != nil {
		return nil, fmt.Errorf("firewall: listing rules: %w", err)
	}
	var addrs []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "Rule Name:") {
			continue
		}
		name := strings.TrimSpace(strings.TrimPrefix(line, "Rule Name:"))
		if strings.HasPrefix(name, "FirewallBlock_") {
			addrs = append(addrs, strings.ReplaceAll(strings.TrimPrefix(name, "FirewallBlock_"), "_", "."))
		}
	}
	return addrs, nil
}

// HealthCheck verifies the netsh firewall profile is reachable.
func (b *WindowsBackend) HealthCheck(ctx context.Context) error {
	_, err := b.run(ctx, "advfirewall", "show", "allprofiles", "state")
	return err
}

// OpenPort allows inbound traffic to port/proto, optionally restricted to a source.
func (b *WindowsBackend) OpenPort(ctx context.Context, port int, proto, source string) error {
	args := []string{"advfirewall", "firewall", "add", "rule",
		"name=" + portRuleName(port, proto), "dir=in", "action=allow",
		"protocol=" + proto, "localport=" + strconv.Itoa(port)}
	if source != "" {
		args = append(args, "remoteip="+source)
	}
	_, err := b.run(ctx, args...)
	return err
}

// ClosePort removes a previously opened allow rule for port/proto.
func (b *WindowsBackend) ClosePort(ctx context.Context, port int, proto string) error {
	_, err := b.run(ctx, "advfirewall", "firewall", "delete", "rule", "name="+portRuleName(port, proto))
	return err
}

// BlockPort installs a block rule for port/proto.
func (b *WindowsBackend) BlockPort(ctx context.Context, port int, proto string) error {
	_, err := b.run(ctx, "advfirewall", "firewall", "add", "rule",
		"name="+portRuleName(port, proto)+"_block", "dir=in", "action=block",
		"protocol="+proto, "localport="+strconv.Itoa(port))
	return err
}

// AddRateLimit is not natively supported by the Windows Filtering Platform
// through netsh; this backend installs no rule and returns nil, matching the
// teacher's pattern of gracefully degrading platform-specific capabilities.
func (b *WindowsBackend) AddRateLimit(ctx context.Context, limit int, period time.Duration, port int) error {
	return nil
}

func portRuleName(port int, proto string) string {
	return fmt.Sprintf("FirewallPort_%s_%d", proto, port)
}
