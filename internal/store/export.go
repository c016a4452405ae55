package store

import (
	"context"
	"fmt"
	"strings"
)

// ExportAll returns every rule set as interchange records, optionally only
// identities containing filter.
func (s *SQLiteStore) ExportAll(ctx context.Context, filter string) ([]Record, error) {
	sets, err := s.ListAll(ctx)
	if err != nil {
		return nil, err
	}

	var records []Record
	for i := range sets {
		if filter != "" && !strings.Contains(strings.ToLower(sets[i].Identity), strings.ToLower(filter)) {
			continue
		}
		records = append(records, NewRecord(&sets[i]))
	}
	return records, nil
}

// Import stores records from an export. A record for an existing identity
// replaces it; records without an identity are skipped.
func (s *SQLiteStore) Import(ctx context.Context, records []Record) (int, error) {
	imported := 0
	for _, r := range records {
		if strings.TrimSpace(r.PackageName) == "" {
			storeLog.Warn("skipping record without packageName")
			continue
		}
		if err := s.Save(ctx, r.RuleSet()); err != nil {
			return imported, fmt.Errorf("import %q: %w", r.PackageName, err)
		}
		imported++
	}
	return imported, nil
}
