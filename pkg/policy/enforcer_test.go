package policy

import "testing"

func TestEnforcerDefaultsToWireMaximums(t *testing.T) {
	e := NewEnforcer(EnforcerConfig{})
	if err := e.ValidateDiscoveryInfo(make([]byte, 0xff)); err != nil {
		t.Fatalf("expected max-length info to pass with defaults: %v", err)
	}
	if err := e.ValidateCommand(make([]byte, 0xffff)); err != nil {
		t.Fatalf("expected max-length command data to pass with defaults: %v", err)
	}
}

func TestEnforcerRejectsOverLimit(t *testing.T) {
	e := NewEnforcer(EnforcerConfig{MaxInfoLen: 4})
	if err := e.ValidateDiscoveryInfo([]byte("toolong")); err == nil {
		t.Fatalf("expected rejection of over-limit info")
	}
}

func TestEnforcerEventTypeAllowList(t *testing.T) {
	e := NewEnforcer(EnforcerConfig{AllowedEventTypes: []uint8{0x01, 0x02}})
	if err := e.ValidateEvent(0x01, nil); err != nil {
		t.Fatalf("expected allowed event type to pass: %v", err)
	}
	if err := e.ValidateEvent(0x09, nil); err == nil {
		t.Fatalf("expected disallowed event type to be rejected")
	}
}

func TestEnforcerNoAllowListAcceptsAnyEventType(t *testing.T) {
	e := NewEnforcer(EnforcerConfig{})
	if err := e.ValidateEvent(0xff, nil); err != nil {
		t.Fatalf("expected any event type to pass with no allow-list: %v", err)
	}
}
