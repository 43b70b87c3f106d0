// Package policy resolves sparse notification requests into fully
// specified delivery policy: which roles receive an event, over which
// channels.
package policy

import (
	"notifyrelay/internal/notification"
)

// Engine resolves channels and recipient roles for a request.
//
// Resolution order (identical for both fields):
//  1. explicit request values win, deduplicated in first-seen order
//  2. exact event_type rule match supplies the defaults
//  3. fixed fallback: in_app for channels, nothing for roles
//
// The rule table is read-only after construction, so one Engine is safe
// for arbitrarily many concurrent calls without locking.
type Engine struct {
	rules map[string]notification.Rule
}

// NewEngine builds an engine over the given rules. A nil table means
// "no rules": every resolution falls through to the fixed defaults.
func NewEngine(rules map[string]notification.Rule) *Engine {
	cp := make(map[string]notification.Rule, len(rules))
	for k, v := range rules {
		cp[k] = v
	}
	return &Engine{rules: cp}
}

// Rule returns the rule for an event type, if registered.
// Lookup is exact string equality: no wildcards, no case folding.
func (e *Engine) Rule(eventType string) (notification.Rule, bool) {
	r, ok := e.rules[eventType]
	return r, ok
}

// ResolveChannels determines the delivery channels for a request.
func (e *Engine) ResolveChannels(req notification.Request) []notification.Channel {
	if len(req.Channels) > 0 {
		return dedupe(req.Channels)
	}
	if rule, ok := e.Rule(req.EventType); ok {
		return append([]notification.Channel(nil), rule.DefaultChannels...)
	}
	return []notification.Channel{notification.ChannelInApp}
}

// ResolveRecipientRoles determines which roles should receive the
// notification. An empty result means "cannot resolve" and is an
// expected, reportable outcome rather than an error here; the builder
// turns it into ErrNoRecipientRoles.
func (e *Engine) ResolveRecipientRoles(req notification.Request) []notification.Role {
	if len(req.RecipientRoles) > 0 {
		return dedupe(req.RecipientRoles)
	}
	if rule, ok := e.Rule(req.EventType); ok {
		return append([]notification.Role(nil), rule.TargetRoles...)
	}
	return nil
}

// Describe returns the human-readable description of an event type.
func (e *Engine) Describe(eventType string) (string, bool) {
	rule, ok := e.Rule(eventType)
	if !ok {
		return "", false
	}
	return rule.Description, true
}

// dedupe drops duplicates while preserving first-seen order.
func dedupe[T comparable](in []T) []T {
	seen := make(map[T]struct{}, len(in))
	out := make([]T, 0, len(in))
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
