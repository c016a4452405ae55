package store

import (
	"context"
	"os"
)

// Stats holds database statistics.
type Stats struct {
	DBPath        string          `json:"db_path"`
	DBSizeBytes   int64           `json:"db_size_bytes"`
	RuleSets      int             `json:"rule_sets"`
	Rules         int             `json:"rules"`
	Revisions     int             `json:"revisions"`
	LegacyRecords int             `json:"legacy_records"`
	Identities    []IdentityStats `json:"identities"`
}

// IdentityStats holds per-identity counts.
type IdentityStats struct {
	Identity  string `json:"identity"`
	Rules     int    `json:"rules"`
	Revisions int    `json:"revisions"`
}

// Stats returns database statistics. Legacy records are rows whose masks are
// not yet in the canonical hex form; they are rewritten on their next save.
func (s *SQLiteStore) Stats(ctx context.Context, dbPath string) (*Stats, error) {
	st := &Stats{DBPath: dbPath}

	if info, err := os.Stat(dbPath); err == nil {
		st.DBSizeBytes = info.Size()
	}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM rule_history`).Scan(&st.Revisions); err != nil {
		return st, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT r.identity, r.rules, COUNT(h.revision)
		FROM rule_sets r LEFT JOIN rule_history h ON h.identity = r.identity
		GROUP BY r.identity ORDER BY r.identity`)
	if err != nil {
		return st, err
	}
	defer rows.Close()

	for rows.Next() {
		var id IdentityStats
		var rules string
		if err := rows.Scan(&id.Identity, &rules, &id.Revisions); err != nil {
			return st, err
		}
		if decoded, err := decodeRules([]byte(rules)); err == nil {
			id.Rules = decoded.Len()
		}
		if !isCanonical(rules) {
			st.LegacyRecords++
		}
		st.RuleSets++
		st.Rules += id.Rules
		st.Identities = append(st.Identities, id)
	}

	return st, rows.Err()
}
