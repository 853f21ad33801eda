// Package policy gates hub-side join admission with a Rego-evaluated
// decision and validates application-level wire parameters that the
// codec's structural checks don't cover (allow-lists, size budgets).
package policy

import (
	"context"
	"errors"
	"time"

	platformpolicy "github.com/shdc-project/shdc/internal/platform/policy"
)

// AdmissionRequest is the input to the join-admission decision, which
// the hub evaluates on receipt of a JOIN_REQUEST, before it allocates
// a device id or records the sensor as JOINING.
type AdmissionRequest struct {
	DeviceInfo     string   `json:"device_info"`
	Capabilities   []string `json:"capabilities"`
	RemoteAddr     string   `json:"remote_addr"`
	IdentityPubKey string   `json:"identity_pubkey"`
}

// AdmissionDecision is the normalized result of policy evaluation.
type AdmissionDecision struct {
	Allow  bool
	Reason string
}

// AdmissionConfig compiles the Rego module the Admission engine evaluates.
type AdmissionConfig struct {
	Query           string
	Modules         map[string]string
	Data            map[string]any
	EvalTimeout     time.Duration
	CacheTTL        time.Duration
	MaxCacheEntries int
}

// DefaultAllowAllModule admits every join request; callers that want
// selective admission supply their own Rego module instead.
const DefaultAllowAllModule = `
package shdc.admission

default allow = true
`

// Admission evaluates join-admission decisions against a compiled
// Rego policy. The Rego compilation, timeout handling, and
// fingerprinted decision cache are all the platform policy engine's;
// this type only translates to and from SHDC's admission vocabulary.
type Admission struct {
	engine *platformpolicy.Engine
}

// NewAdmission compiles cfg into an Admission engine. A zero-value
// AdmissionConfig compiles DefaultAllowAllModule under query
// "data.shdc.admission".
func NewAdmission(ctx context.Context, cfg AdmissionConfig) (*Admission, error) {
	if cfg.Query == "" {
		cfg.Query = "data.shdc.admission"
	}
	if len(cfg.Modules) == 0 {
		cfg.Modules = map[string]string{"admission.rego": DefaultAllowAllModule}
	}

	engine, err := platformpolicy.New(ctx, platformpolicy.Config{
		Query:           cfg.Query,
		Modules:         cfg.Modules,
		Data:            cfg.Data,
		EvalTimeout:     cfg.EvalTimeout,
		CacheTTL:        cfg.CacheTTL,
		MaxCacheEntries: cfg.MaxCacheEntries,
	})
	if err != nil {
		return nil, err
	}
	return &Admission{engine: engine}, nil
}

// Evaluate runs the compiled policy against req.
func (a *Admission) Evaluate(ctx context.Context, req AdmissionRequest) (AdmissionDecision, error) {
	if a == nil {
		return AdmissionDecision{}, errors.New("shdc: policy: admission engine is nil")
	}
	decision, err := a.engine.Evaluate(ctx, req)
	if err != nil {
		return AdmissionDecision{}, err
	}
	result := AdmissionDecision{Allow: decision.Allow}
	if reason, ok := decision.Metadata["reason"].(string); ok {
		result.Reason = reason
	} else if len(decision.Obligations) > 0 {
		result.Reason = decision.Obligations[0]
	}
	return result, nil
}
