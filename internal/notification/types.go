package notification

import "fmt"

// Channel is a delivery medium for a notification.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelPush  Channel = "push"
	ChannelInApp Channel = "in_app"
)

// Channels is the closed set of supported delivery channels.
var Channels = []Channel{ChannelEmail, ChannelSMS, ChannelPush, ChannelInApp}

func (c Channel) Valid() bool {
	switch c {
	case ChannelEmail, ChannelSMS, ChannelPush, ChannelInApp:
		return true
	}
	return false
}

func (c Channel) String() string { return string(c) }

// Role is a domain actor category determining who receives a notification.
type Role string

const (
	RoleIssuer   Role = "issuer"
	RoleLearner  Role = "learner"
	RoleEmployer Role = "employer"
)

// Roles is the closed set of supported roles.
var Roles = []Role{RoleIssuer, RoleLearner, RoleEmployer}

func (r Role) Valid() bool {
	switch r {
	case RoleIssuer, RoleLearner, RoleEmployer:
		return true
	}
	return false
}

func (r Role) String() string { return string(r) }

// Rule holds the default delivery policy for one event type.
//
// Rules are loaded once at startup and never mutated afterwards, so they
// are safe to share across concurrent resolutions without locking.
type Rule struct {
	EventType       string    `json:"event_type" yaml:"event_type"`
	DefaultChannels []Channel `json:"default_channels" yaml:"default_channels"`
	TargetRoles     []Role    `json:"target_roles" yaml:"target_roles"`
	Description     string    `json:"description,omitempty" yaml:"description,omitempty"`
}

// Validate rejects rules that could never route a notification.
func (r Rule) Validate() error {
	if r.EventType == "" {
		return fmt.Errorf("rule: empty event_type")
	}
	if len(r.DefaultChannels) == 0 {
		return fmt.Errorf("rule %q: no default channels", r.EventType)
	}
	if len(r.TargetRoles) == 0 {
		return fmt.Errorf("rule %q: no target roles", r.EventType)
	}
	for _, c := range r.DefaultChannels {
		if !c.Valid() {
			return fmt.Errorf("rule %q: unknown channel %q", r.EventType, c)
		}
	}
	for _, role := range r.TargetRoles {
		if !role.Valid() {
			return fmt.Errorf("rule %q: unknown role %q", r.EventType, role)
		}
	}
	return nil
}
