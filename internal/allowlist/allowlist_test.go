package allowlist

import (
	"testing"
	"time"
)

func TestExactAddressMembership(t *testing.T) {
	l := New()
	l.Add("10.0.0.7", "trusted partner", "manual allow", time.Now())
	if !l.Contains("10.0.0.7") {
		t.Fatalf("expected exact match to be contained")
	}
	if l.Contains("10.0.0.8") {
		t.Fatalf("unrelated address should not match")
	}
}

func TestCIDRMembership(t *testing.T) {
	l := New()
	l.Add("192.168.1.0/24", "internal net", "manual allow", time.Now())
	if !l.Contains("192.168.1.55") {
		t.Fatalf("expected CIDR member to be contained")
	}
	if l.Contains("192.168.2.1") {
		t.Fatalf("address outside CIDR should not match")
	}
}

func TestRemove(t *testing.T) {
	l := New()
	l.Add("10.0.0.7", "", "", time.Now())
	if !l.Remove("10.0.0.7") {
		t.Fatalf("expected remove to report success")
	}
	if l.Contains("10.0.0.7") {
		t.Fatalf("removed address should no longer match")
	}
}
