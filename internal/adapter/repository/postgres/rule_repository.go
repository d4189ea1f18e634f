package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/V4T54L/logsmith/internal/domain"
)

const customRulesSchema = `
CREATE TABLE IF NOT EXISTS custom_rules (
	name       TEXT PRIMARY KEY,
	pattern    TEXT NOT NULL,
	group_type TEXT NOT NULL DEFAULT ''
);
`

// RuleRepository loads analyst-authored classification rules.
type RuleRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewRuleRepository(db *sql.DB, logger *slog.Logger) *RuleRepository {
	return &RuleRepository{db: db, logger: logger}
}

// LoadRules returns up to limit rules in name order. A missing table means no
// rules have ever been authored, so it is created empty rather than treated
// as an error.
func (r *RuleRepository) LoadRules(ctx context.Context, limit int) ([]domain.CustomPatternRule, error) {
	if _, err := r.db.ExecContext(ctx, customRulesSchema); err != nil {
		return nil, fmt.Errorf("create custom_rules schema: %w", classify(err))
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT name, pattern, group_type
		FROM custom_rules
		ORDER BY name
		LIMIT $1;
	`, limit)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var rules []domain.CustomPatternRule
	for rows.Next() {
		var rule domain.CustomPatternRule
		if err := rows.Scan(&rule.Name, &rule.Pattern, &rule.GroupType); err != nil {
			return nil, classify(err)
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}
