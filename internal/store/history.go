package store

import (
	"context"
	"database/sql"
	"time"
)

// Revision is one saved state of a rule set.
type Revision struct {
	Revision   string    `json:"revision"`
	Identity   string    `json:"identity"`
	Rules      WireRules `json:"rules"`
	Supersedes string    `json:"supersedes,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// History returns saved revisions of identity, newest first. Revisions
// survive Delete so a removed rule set can be inspected.
func (s *SQLiteStore) History(ctx context.Context, identity string, limit int) ([]Revision, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT revision, identity, rules, supersedes, created_at FROM rule_history
		 WHERE identity = ? ORDER BY created_at DESC, revision DESC LIMIT ?`, identity, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var revs []Revision
	for rows.Next() {
		var r Revision
		var rules, createdAt string
		var supersedes sql.NullString
		if err := rows.Scan(&r.Revision, &r.Identity, &rules, &supersedes, &createdAt); err != nil {
			return nil, err
		}
		decoded, err := decodeRules([]byte(rules))
		if err != nil {
			continue
		}
		r.Rules = WireRules{Rules: decoded}
		if supersedes.Valid {
			r.Supersedes = supersedes.String
		}
		r.CreatedAt = parseTime(createdAt)
		revs = append(revs, r)
	}
	return revs, rows.Err()
}
