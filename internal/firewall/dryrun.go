package firewall

import (
	"context"
	"sync"
	"time"
)

// DryRunBackend satisfies Backend without touching the host packet
// filter; only the store is updated. Used for test environments and
// deployments where enforcement is disabled by configuration (§4.7).
type DryRunBackend struct {
	mu     sync.Mutex
	banned map[string]bool
}

// NewDryRunBackend constructs an empty DryRunBackend.
func NewDryRunBackend() *DryRunBackend {
	return &DryRunBackend{banned: make(map[string]bool)}
}

func (d *DryRunBackend) Ban(ctx context.Context, addr, reason string, expiry *time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.banned[addr] = true
	return nil
}

func (d *DryRunBackend) Unban(ctx context.Context, addr string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.banned, addr)
	return nil
}

func (d *DryRunBackend) IsInstalled(ctx context.Context, addr string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.banned[addr], nil
}

func (d *DryRunBackend) ListBanned(ctx context.Context) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.banned))
	for addr := range d.banned {
		out = append(out, addr)
	}
	return out, nil
}

func (d *DryRunBackend) HealthCheck(ctx context.Context) error { return nil }

func (d *DryRunBackend) OpenPort(ctx context.Context, port int, proto, source string) error {
	return nil
}

func (d *DryRunBackend) ClosePort(ctx context.Context, port int, proto string) error { return nil }

func (d *DryRunBackend) BlockPort(ctx context.Context, port int, proto string) error { return nil }

func (d *DryRunBackend) AddRateLimit(ctx context.Context, limit int, period time.Duration, port int) error {
	return nil
}
