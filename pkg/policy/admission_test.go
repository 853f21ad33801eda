package policy

import (
	"context"
	"testing"
)

func TestDefaultAdmissionAllowsAll(t *testing.T) {
	a, err := NewAdmission(context.Background(), AdmissionConfig{})
	if err != nil {
		t.Fatalf("new admission: %v", err)
	}
	decision, err := a.Evaluate(context.Background(), AdmissionRequest{DeviceInfo: "sensor-1"})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !decision.Allow {
		t.Fatalf("expected default policy to allow")
	}
}

func TestCustomModuleCanDeny(t *testing.T) {
	module := `
package shdc.admission

default allow = false

allow {
	input.device_info == "trusted-sensor"
}
`
	a, err := NewAdmission(context.Background(), AdmissionConfig{
		Modules: map[string]string{"admission.rego": module},
	})
	if err != nil {
		t.Fatalf("new admission: %v", err)
	}

	denied, err := a.Evaluate(context.Background(), AdmissionRequest{DeviceInfo: "unknown-sensor"})
	if err != nil {
		t.Fatalf("evaluate denied case: %v", err)
	}
	if denied.Allow {
		t.Fatalf("expected denial for unknown sensor")
	}

	allowed, err := a.Evaluate(context.Background(), AdmissionRequest{DeviceInfo: "trusted-sensor"})
	if err != nil {
		t.Fatalf("evaluate allowed case: %v", err)
	}
	if !allowed.Allow {
		t.Fatalf("expected admission for trusted sensor")
	}
}

func TestEvaluateCachesDecision(t *testing.T) {
	a, err := NewAdmission(context.Background(), AdmissionConfig{})
	if err != nil {
		t.Fatalf("new admission: %v", err)
	}
	req := AdmissionRequest{DeviceInfo: "sensor-cache"}
	first, err := a.Evaluate(context.Background(), req)
	if err != nil {
		t.Fatalf("first evaluate: %v", err)
	}
	second, err := a.Evaluate(context.Background(), req)
	if err != nil {
		t.Fatalf("second evaluate: %v", err)
	}
	if first.Allow != second.Allow {
		t.Fatalf("cached decision mismatch")
	}
}
