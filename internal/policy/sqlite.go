package policy

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"notifyrelay/internal/notification"
	logx "notifyrelay/pkg/logx"
)

// loadRulesSQLite reads the rule table from a SQLite database.
//
// Expected schema:
//
//	CREATE TABLE rules (
//	    event_type       TEXT PRIMARY KEY,
//	    default_channels TEXT NOT NULL, -- JSON array of channel names
//	    target_roles     TEXT NOT NULL, -- JSON array of role names
//	    description      TEXT NOT NULL DEFAULT ''
//	);
//
// The database is opened read-only for the duration of the load and
// closed before returning; rules never change for the process lifetime.
func loadRulesSQLite(path string, log logx.Logger) (map[string]notification.Rule, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite rules path is required")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open rules db: %w", err)
	}
	defer db.Close()

	// SQLite prefers a small number of concurrent readers for a one-shot load.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	rows, err := db.Query(`SELECT event_type, default_channels, target_roles, description FROM rules`)
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	defer rows.Close()

	var rules []notification.Rule
	for rows.Next() {
		var (
			eventType   string
			channelsRaw string
			rolesRaw    string
			description string
		)
		if err := rows.Scan(&eventType, &channelsRaw, &rolesRaw, &description); err != nil {
			return nil, fmt.Errorf("scan rule row: %w", err)
		}

		var channels []notification.Channel
		if err := json.Unmarshal([]byte(channelsRaw), &channels); err != nil {
			return nil, fmt.Errorf("rule %q: decode default_channels: %w", eventType, err)
		}
		var roles []notification.Role
		if err := json.Unmarshal([]byte(rolesRaw), &roles); err != nil {
			return nil, fmt.Errorf("rule %q: decode target_roles: %w", eventType, err)
		}

		rules = append(rules, notification.Rule{
			EventType:       eventType,
			DefaultChannels: channels,
			TargetRoles:     roles,
			Description:     description,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rules: %w", err)
	}

	return buildTable(rules, "sqlite:"+path, log)
}
