package proxy

import (
	"testing"
	"time"

	"github.com/twinleaf/tio-proxy/internal/config"
)

func TestAdmitterDisabledAlwaysAllows(t *testing.T) {
	a, err := NewAdmitter(config.AdmissionConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewAdmitter: %v", err)
	}
	now := time.Now()
	for i := 0; i < 1000; i++ {
		if !a.Allow("203.0.113.9:1234", now) {
			t.Fatalf("disabled admitter should always allow")
		}
	}
}

func TestAdmitterEnforcesBurstThenRate(t *testing.T) {
	a, err := NewAdmitter(config.AdmissionConfig{Enabled: true, RatePerSecond: 1, Burst: 2})
	if err != nil {
		t.Fatalf("NewAdmitter: %v", err)
	}
	now := time.Now()
	if !a.Allow("203.0.113.9:1", now) {
		t.Errorf("first connection within burst should be allowed")
	}
	if !a.Allow("203.0.113.9:2", now) {
		t.Errorf("second connection within burst should be allowed")
	}
	if a.Allow("203.0.113.9:3", now) {
		t.Errorf("third connection should exceed burst and be refused")
	}
}

func TestAdmitterExemptsTrustedCIDR(t *testing.T) {
	a, err := NewAdmitter(config.AdmissionConfig{
		Enabled:       true,
		RatePerSecond: 1,
		Burst:         1,
		TrustedCIDRs:  []string{"10.0.0.0/8"},
	})
	if err != nil {
		t.Fatalf("NewAdmitter: %v", err)
	}
	now := time.Now()
	for i := 0; i < 10; i++ {
		if !a.Allow("10.1.2.3:5000", now) {
			t.Fatalf("trusted CIDR should never be throttled")
		}
	}
}

func TestAdmitterCleanupEvictsIdleEntries(t *testing.T) {
	a, err := NewAdmitter(config.AdmissionConfig{Enabled: true, RatePerSecond: 1, Burst: 1})
	if err != nil {
		t.Fatalf("NewAdmitter: %v", err)
	}
	now := time.Now()
	a.Allow("198.51.100.1:1", now)

	a.Cleanup(now.Add(10*time.Minute), 5*time.Minute)

	a.mu.Lock()
	remaining := len(a.limiters)
	a.mu.Unlock()
	if remaining != 0 {
		t.Errorf("expected idle limiter evicted, %d remain", remaining)
	}
}
