package policy

import "notifyrelay/internal/notification"

// DefaultRules is the built-in policy table used when no external rule
// source is configured.
func DefaultRules() map[string]notification.Rule {
	rules := []notification.Rule{
		{
			EventType:       "credential.issued",
			DefaultChannels: []notification.Channel{notification.ChannelEmail, notification.ChannelInApp},
			TargetRoles:     []notification.Role{notification.RoleLearner},
			Description:     "Learner receives notification when issuer issues a credential.",
		},
		{
			EventType:       "credential.updated",
			DefaultChannels: []notification.Channel{notification.ChannelEmail, notification.ChannelInApp},
			TargetRoles:     []notification.Role{notification.RoleLearner},
			Description:     "Learner notified when credential metadata changes.",
		},
		{
			EventType:       "credential.revoked",
			DefaultChannels: []notification.Channel{notification.ChannelEmail, notification.ChannelInApp},
			TargetRoles:     []notification.Role{notification.RoleLearner},
			Description:     "Learner alerted when a credential is revoked.",
		},
		{
			EventType:       "profile.viewed",
			DefaultChannels: []notification.Channel{notification.ChannelInApp},
			TargetRoles:     []notification.Role{notification.RoleLearner},
			Description:     "Learner informed when an employer views their profile.",
		},
		{
			EventType:       "employer.requested_verification",
			DefaultChannels: []notification.Channel{notification.ChannelEmail, notification.ChannelInApp},
			TargetRoles:     []notification.Role{notification.RoleIssuer},
			Description:     "Issuer notified when employer requests verification.",
		},
	}

	table := make(map[string]notification.Rule, len(rules))
	for _, r := range rules {
		table[r.EventType] = r
	}
	return table
}
