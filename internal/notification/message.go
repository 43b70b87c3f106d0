package notification

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidMessage marks messages that fail schema validation. A payload
// carrying this error will never become valid on redelivery.
var ErrInvalidMessage = errors.New("invalid notification message")

// Payload carries the user-visible content of a notification.
type Payload struct {
	Subject  string         `json:"subject,omitempty"`
	Body     string         `json:"body,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Request is the inbound, untrusted shape accepted at the API boundary.
// It lives only for the duration of one enrichment call.
type Request struct {
	EventType      string         `json:"event_type"`
	ActorRole      Role           `json:"actor_role"`
	Recipients     []string       `json:"recipients"`
	RecipientRoles []Role         `json:"recipient_roles,omitempty"`
	Channels       []Channel      `json:"channels,omitempty"`
	Subject        string         `json:"subject,omitempty"`
	Body           string         `json:"body,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Validate checks the fields the boundary must not let through unresolved.
// Policy resolution (roles/channels) is a separate concern.
func (r Request) Validate() error {
	if r.EventType == "" {
		return fmt.Errorf("%w: empty event_type", ErrInvalidMessage)
	}
	if !r.ActorRole.Valid() {
		return fmt.Errorf("%w: unknown actor_role %q", ErrInvalidMessage, r.ActorRole)
	}
	if len(r.Recipients) == 0 {
		return fmt.Errorf("%w: no recipients", ErrInvalidMessage)
	}
	for _, role := range r.RecipientRoles {
		if !role.Valid() {
			return fmt.Errorf("%w: unknown recipient role %q", ErrInvalidMessage, role)
		}
	}
	for _, c := range r.Channels {
		if !c.Valid() {
			return fmt.Errorf("%w: unknown channel %q", ErrInvalidMessage, c)
		}
	}
	return nil
}

// Message is the canonical, fully-resolved notification.
//
// The publisher and the consumer share no memory, only this wire shape:
// the consumer reconstructs it independently via DecodeMessage.
type Message struct {
	EventType      string    `json:"event_type"`
	Source         string    `json:"source"`
	ActorRole      Role      `json:"actor_role"`
	RecipientRoles []Role    `json:"recipient_roles"`
	Recipients     []string  `json:"recipients"`
	Channels       []Channel `json:"channels,omitempty"`
	Payload        Payload   `json:"payload"`
	CreatedAt      time.Time `json:"created_at"`
}

// Validate enforces the message invariants: a Message must never be
// observed with empty recipient roles. Channels are optional on the wire;
// the dispatcher substitutes its default for an absent list.
func (m Message) Validate() error {
	if m.EventType == "" {
		return fmt.Errorf("%w: empty event_type", ErrInvalidMessage)
	}
	if m.Source == "" {
		return fmt.Errorf("%w: empty source", ErrInvalidMessage)
	}
	if !m.ActorRole.Valid() {
		return fmt.Errorf("%w: unknown actor_role %q", ErrInvalidMessage, m.ActorRole)
	}
	if len(m.RecipientRoles) == 0 {
		return fmt.Errorf("%w: no recipient roles", ErrInvalidMessage)
	}
	for _, role := range m.RecipientRoles {
		if !role.Valid() {
			return fmt.Errorf("%w: unknown recipient role %q", ErrInvalidMessage, role)
		}
	}
	for _, c := range m.Channels {
		if !c.Valid() {
			return fmt.Errorf("%w: unknown channel %q", ErrInvalidMessage, c)
		}
	}
	return nil
}

// Encode serializes the message to its canonical wire representation.
func (m Message) Encode() ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return b, nil
}

// DecodeMessage parses and validates a wire payload.
//
// A zero created_at defaults to the decode time, matching the wire
// contract ("defaults to publish time if absent").
func DecodeMessage(b []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}
