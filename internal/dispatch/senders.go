package dispatch

import (
	"context"

	"notifyrelay/internal/notification"
	logx "notifyrelay/pkg/logx"
)

// LogSender is the built-in placeholder provider: it logs the delivery
// instead of talking to a vendor. Real providers replace it in the
// registry per channel at startup.
type LogSender struct {
	log logx.Logger
}

func NewLogSender(log logx.Logger) *LogSender {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &LogSender{log: log}
}

func (s *LogSender) Send(_ context.Context, msg notification.Message, channel notification.Channel) error {
	roles := make([]string, 0, len(msg.RecipientRoles))
	for _, r := range msg.RecipientRoles {
		roles = append(roles, r.String())
	}
	s.log.Info("sending notification",
		logx.String("channel", channel.String()),
		logx.String("event_type", msg.EventType),
		logx.String("actor_role", msg.ActorRole.String()),
		logx.Strings("recipient_roles", roles),
		logx.Strings("recipients", msg.Recipients))
	return nil
}

// RegisterLogSenders installs the LogSender for every known channel.
func RegisterLogSenders(reg *Registry, log logx.Logger) {
	s := NewLogSender(log)
	for _, ch := range notification.Channels {
		reg.Register(ch, s)
	}
}
