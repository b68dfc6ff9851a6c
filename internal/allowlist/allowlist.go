// Package allowlist provides concurrent-safe, CIDR-aware membership lists
// for the allow-list (overrides all enforcement) and deny-list (forces
// enforcement) described in §3's Allow/Deny Lists entity.
package allowlist

import (
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rawblock/sentryfw/pkg/models"
)

// List is a concurrent-safe set of addresses and CIDR ranges with
// descriptive metadata, adapted from the teacher's address watchlist.
type List struct {
	mu      sync.RWMutex
	entries map[string]models.ListEntry
	nets    []*net.IPNet
	netMeta []models.ListEntry
	nextID  int64
}

// New returns an empty List.
func New() *List {
	return &List{entries: make(map[string]models.ListEntry)}
}

// Add inserts an address or CIDR with a description and reason. CIDRs
// (containing "/") are kept separately for membership testing.
func (l *List) Add(cidrOrAddr, description, reason string, at time.Time) models.ListEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextID++
	entry := models.ListEntry{
		ID:          l.nextID,
		CIDROrAddr:  cidrOrAddr,
		Description: description,
		Reason:      reason,
		CreatedAt:   at,
	}

	if strings.Contains(cidrOrAddr, "/") {
		if _, ipNet, err := net.ParseCIDR(cidrOrAddr); err == nil {
			l.nets = append(l.nets, ipNet)
			l.netMeta = append(l.netMeta, entry)
			return entry
		}
	}
	l.entries[cidrOrAddr] = entry
	return entry
}

// Remove deletes an exact address or CIDR string from the list.
func (l *List) Remove(cidrOrAddr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.entries[cidrOrAddr]; ok {
		delete(l.entries, cidrOrAddr)
		return true
	}
	for i, n := range l.nets {
		if n.String() == cidrOrAddr {
			l.nets = append(l.nets[:i], l.nets[i+1:]...)
			l.netMeta = append(l.netMeta[:i], l.netMeta[i+1:]...)
			return true
		}
	}
	return false
}

// Contains reports whether addr matches an exact entry or falls within a
// registered CIDR range.
func (l *List) Contains(addr string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if _, ok := l.entries[addr]; ok {
		return true
	}
	ip := net.ParseIP(addr)
	if ip == nil {
		return false
	}
	for _, n := range l.nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// Get returns the matching entry and true, or the zero value and false.
func (l *List) Get(addr string) (models.ListEntry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if e, ok := l.entries[addr]; ok {
		return e, true
	}
	ip := net.ParseIP(addr)
	if ip == nil {
		return models.ListEntry{}, false
	}
	for i, n := range l.nets {
		if n.Contains(ip) {
			return l.netMeta[i], true
		}
	}
	return models.ListEntry{}, false
}

// Size returns the total number of registered entries (exact + CIDR).
func (l *List) Size() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries) + len(l.nets)
}

// ListAll returns a snapshot of every entry.
func (l *List) ListAll() []models.ListEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]models.ListEntry, 0, len(l.entries)+len(l.nets))
	for _, e := range l.entries {
		out = append(out, e)
	}
	out = append(out, l.netMeta...)
	return out
}

// LoadSeeds warm-loads a configured set of static entries at startup,
// mirroring the warm-load-from-store-on-startup pattern used elsewhere.
func (l *List) LoadSeeds(seeds []Seed, at time.Time) {
	for _, s := range seeds {
		l.Add(s.CIDROrAddr, s.Description, s.Reason, at)
	}
}

// Seed is a static list entry loaded from configuration at startup.
type Seed struct {
	CIDROrAddr  string
	Description string
	Reason      string
}
