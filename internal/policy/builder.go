package policy

import (
	"errors"
	"fmt"
	"time"

	"notifyrelay/internal/notification"
)

// ErrNoRecipientRoles reports that a request resolved to zero recipient
// roles. It is caller-correctable: supply recipient_roles explicitly or
// register a rule for the event type. It must surface before any broker
// interaction and is never retried automatically.
var ErrNoRecipientRoles = errors.New("no recipient roles resolved")

// Builder combines a raw request with engine output into a validated,
// fully-resolved message.
type Builder struct {
	engine *Engine
	source string
}

// NewBuilder returns a builder stamping messages with the given source
// (the originating-service identifier).
func NewBuilder(engine *Engine, source string) *Builder {
	return &Builder{engine: engine, source: source}
}

// Prepare enriches the request into a canonical Message.
//
// It is synchronous, side-effect-free, and idempotent: two calls with the
// same request yield messages equal in every field except CreatedAt.
func (b *Builder) Prepare(req notification.Request) (notification.Message, error) {
	if err := req.Validate(); err != nil {
		return notification.Message{}, err
	}

	channels := b.engine.ResolveChannels(req)
	roles := b.engine.ResolveRecipientRoles(req)

	if len(roles) == 0 {
		return notification.Message{}, fmt.Errorf(
			"%w for event %q: provide recipient_roles explicitly or register a rule",
			ErrNoRecipientRoles, req.EventType)
	}
	// Unreachable given the engine's in_app fallback, but an unroutable
	// message must never reach the broker.
	if len(channels) == 0 {
		channels = []notification.Channel{notification.ChannelInApp}
	}

	msg := notification.Message{
		EventType:      req.EventType,
		Source:         b.source,
		ActorRole:      req.ActorRole,
		RecipientRoles: roles,
		Recipients:     append([]string(nil), req.Recipients...),
		Channels:       channels,
		Payload: notification.Payload{
			Subject:  req.Subject,
			Body:     req.Body,
			Metadata: req.Metadata,
		},
		CreatedAt: time.Now().UTC(),
	}
	if err := msg.Validate(); err != nil {
		return notification.Message{}, err
	}
	return msg, nil
}
