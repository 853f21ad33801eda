package policy

import "fmt"

// EnforcerConfig bounds the application-level content the wire format's
// length-prefixed fields are allowed to carry. The codec already
// enforces the u8/u16 structural maximums; Enforcer narrows further
// where an operator wants stricter limits or an event-type allow-list.
type EnforcerConfig struct {
	MaxInfoLen        int
	MaxCapsLen        int
	MaxEventDataLen   int
	MaxCommandDataLen int
	AllowedEventTypes []uint8 // empty means any event type is accepted
}

// Enforcer validates application-level parameters of discovery, join,
// event, and command payloads.
type Enforcer struct {
	cfg           EnforcerConfig
	allowedEvents map[uint8]struct{}
}

// NewEnforcer builds an Enforcer from cfg, applying spec-sized defaults
// (the u8/u16 wire maximums) wherever a field is left at zero.
func NewEnforcer(cfg EnforcerConfig) *Enforcer {
	if cfg.MaxInfoLen <= 0 || cfg.MaxInfoLen > 0xff {
		cfg.MaxInfoLen = 0xff
	}
	if cfg.MaxCapsLen <= 0 || cfg.MaxCapsLen > 0xff {
		cfg.MaxCapsLen = 0xff
	}
	if cfg.MaxEventDataLen <= 0 || cfg.MaxEventDataLen > 0xff {
		cfg.MaxEventDataLen = 0xff
	}
	if cfg.MaxCommandDataLen <= 0 || cfg.MaxCommandDataLen > 0xffff {
		cfg.MaxCommandDataLen = 0xffff
	}
	var allowed map[uint8]struct{}
	if len(cfg.AllowedEventTypes) > 0 {
		allowed = make(map[uint8]struct{}, len(cfg.AllowedEventTypes))
		for _, t := range cfg.AllowedEventTypes {
			allowed[t] = struct{}{}
		}
	}
	return &Enforcer{cfg: cfg, allowedEvents: allowed}
}

// ValidateDiscoveryInfo bounds the info field of HUB_DISCOVERY_REQ /
// JOIN_REQUEST.
func (e *Enforcer) ValidateDiscoveryInfo(info []byte) error {
	if len(info) > e.cfg.MaxInfoLen {
		return fmt.Errorf("shdc: policy: info length %d exceeds limit %d", len(info), e.cfg.MaxInfoLen)
	}
	return nil
}

// ValidateCapabilities bounds the caps field of HUB_DISCOVERY_RESP.
func (e *Enforcer) ValidateCapabilities(caps []byte) error {
	if len(caps) > e.cfg.MaxCapsLen {
		return fmt.Errorf("shdc: policy: capabilities length %d exceeds limit %d", len(caps), e.cfg.MaxCapsLen)
	}
	return nil
}

// ValidateEvent bounds EVENT_REPORT's event_type and data.
func (e *Enforcer) ValidateEvent(eventType uint8, data []byte) error {
	if e.allowedEvents != nil {
		if _, ok := e.allowedEvents[eventType]; !ok {
			return fmt.Errorf("shdc: policy: event type 0x%02x not permitted", eventType)
		}
	}
	if len(data) > e.cfg.MaxEventDataLen {
		return fmt.Errorf("shdc: policy: event data length %d exceeds limit %d", len(data), e.cfg.MaxEventDataLen)
	}
	return nil
}

// ValidateCommand bounds BROADCAST_COMMAND's cmd_data.
func (e *Enforcer) ValidateCommand(cmdData []byte) error {
	if len(cmdData) > e.cfg.MaxCommandDataLen {
		return fmt.Errorf("shdc: policy: command data length %d exceeds limit %d", len(cmdData), e.cfg.MaxCommandDataLen)
	}
	return nil
}
