package policy

import (
	"errors"
	"fmt"
	"os"
	"strings"

	yaml "go.yaml.in/yaml/v3"

	"notifyrelay/internal/notification"
	logx "notifyrelay/pkg/logx"
)

// SourceConfig selects where the rule table is loaded from.
//
// Driver values:
//   - "" or "static": the built-in DefaultRules table
//   - "file":   YAML file containing a list of rules
//   - "sqlite": SQLite database file with a rules table
//
// Rules are read once at process start and are immutable afterwards.
type SourceConfig struct {
	Driver string
	Path   string
}

// LoadRules loads and validates the rule table from the configured source.
func LoadRules(cfg SourceConfig, log logx.Logger) (map[string]notification.Rule, error) {
	if log.IsZero() {
		log = logx.Nop()
	}

	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "static":
		return DefaultRules(), nil
	case "file":
		return loadRulesFile(cfg.Path, log)
	case "sqlite", "sqlite3":
		return loadRulesSQLite(cfg.Path, log)
	default:
		return nil, errors.New("unknown rules driver: " + driver)
	}
}

func loadRulesFile(path string, log logx.Logger) (map[string]notification.Rule, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("rules file path is required")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}

	var rules []notification.Rule
	if err := yaml.Unmarshal(b, &rules); err != nil {
		return nil, fmt.Errorf("parse rules file %q: %w", path, err)
	}
	return buildTable(rules, path, log)
}

// buildTable validates each rule and rejects duplicates. A rule that could
// never route (empty channels or roles) is a load-time error, not a
// runtime surprise.
func buildTable(rules []notification.Rule, origin string, log logx.Logger) (map[string]notification.Rule, error) {
	table := make(map[string]notification.Rule, len(rules))
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("rules from %s: %w", origin, err)
		}
		if _, dup := table[r.EventType]; dup {
			return nil, fmt.Errorf("rules from %s: duplicate event_type %q", origin, r.EventType)
		}
		table[r.EventType] = r
	}
	log.Info("rules loaded", logx.String("origin", origin), logx.Int("count", len(table)))
	return table, nil
}
