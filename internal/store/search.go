package store

import (
	"context"
	"strings"

	"github.com/rcliao/threadpin/internal/model"
)

// ThreadMatch is one identity that carries a rule for a searched thread name.
type ThreadMatch struct {
	Identity string     `json:"identity"`
	Thread   string     `json:"thread"`
	Mask     model.Mask `json:"-"`
	MaskHex  string     `json:"mask"`
}

// FindThread lists rules whose thread name contains query, case-insensitively.
// Matching runs on decoded rules: the stored JSON escapes characters such as
// & and <, so it cannot be filtered in SQL.
func (s *SQLiteStore) FindThread(ctx context.Context, query string, limit int) ([]ThreadMatch, error) {
	if limit <= 0 {
		limit = 20
	}
	needle := strings.ToLower(strings.TrimSpace(query))

	rows, err := s.db.QueryContext(ctx, `SELECT identity, rules FROM rule_sets ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var matches []ThreadMatch
	for rows.Next() {
		var identity, rules string
		if err := rows.Scan(&identity, &rules); err != nil {
			return nil, err
		}
		decoded, err := decodeRules([]byte(rules))
		if err != nil {
			continue
		}
		for _, r := range decoded.Entries() {
			if !strings.Contains(strings.ToLower(r.Thread), needle) {
				continue
			}
			mask := r.Mask
			if mask == 0 {
				mask = model.FullMask(s.cores)
			}
			matches = append(matches, ThreadMatch{Identity: identity, Thread: r.Thread, Mask: mask, MaskHex: mask.Hex()})
			if len(matches) >= limit {
				return matches, nil
			}
		}
	}
	return matches, rows.Err()
}
