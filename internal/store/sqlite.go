package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"github.com/rcliao/threadpin/internal/model"
)

// timeFormat is fixed width so stored timestamps sort as text.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// DefaultCores sizes the full mask that replaces a stored zero mask when no
// core count is configured.
const DefaultCores = 8

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db    *sql.DB
	cores int

	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithCores sets the core count used to expand zero masks.
func WithCores(n int) Option {
	return func(s *SQLiteStore) {
		if n > 0 {
			s.cores = n
		}
	}
}

// NewSQLiteStore opens or creates a SQLite database at the given path.
func NewSQLiteStore(dbPath string, opts ...Option) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	s := &SQLiteStore{
		db:      db,
		cores:   DefaultCores,
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) newID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS rule_sets (
		identity     TEXT PRIMARY KEY,
		display_name TEXT NOT NULL DEFAULT '',
		rules        TEXT NOT NULL,
		revision     TEXT NOT NULL,
		updated_at   TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_rule_sets_updated ON rule_sets(updated_at DESC);

	CREATE TABLE IF NOT EXISTS rule_history (
		revision    TEXT PRIMARY KEY,
		identity    TEXT NOT NULL,
		rules       TEXT NOT NULL,
		supersedes  TEXT,
		created_at  TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_rule_history_identity ON rule_history(identity, created_at DESC);
	`
	_, err := s.db.Exec(schema)
	return err
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (s *SQLiteStore) Load(ctx context.Context, identity string) (*model.RuleSet, error) {
	return s.load(ctx, s.db, identity)
}

func (s *SQLiteStore) load(ctx context.Context, q querier, identity string) (*model.RuleSet, error) {
	row := q.QueryRowContext(ctx,
		`SELECT identity, display_name, rules, revision, updated_at FROM rule_sets WHERE identity = ?`, identity)
	rs, err := s.scanRuleSet(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("rule set %q: %w", identity, ErrNotFound)
	}
	if err != nil {
		var corrupt *corruptError
		if errors.As(err, &corrupt) {
			s.dropCorrupt(ctx, q, identity, corrupt)
			return nil, fmt.Errorf("rule set %q: %w", identity, ErrNotFound)
		}
		return nil, err
	}
	return rs, nil
}

func (s *SQLiteStore) Save(ctx context.Context, rs *model.RuleSet) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := s.save(ctx, tx, rs); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) save(ctx context.Context, tx *sql.Tx, rs *model.RuleSet) error {
	identity := strings.TrimSpace(rs.Identity)
	if identity == "" {
		return fmt.Errorf("save: empty identity")
	}
	rs.Identity = identity
	if rs.DisplayName == "" {
		rs.DisplayName = identity
	}
	s.normalize(rs)

	rules, err := json.Marshal(rs.Rules)
	if err != nil {
		return fmt.Errorf("encode rules: %w", err)
	}

	var prev sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT revision FROM rule_sets WHERE identity = ?`, identity).Scan(&prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("read revision: %w", err)
	}

	now := time.Now().UTC()
	revision := s.newID()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO rule_sets (identity, display_name, rules, revision, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(identity) DO UPDATE SET
		   display_name = excluded.display_name,
		   rules = excluded.rules,
		   revision = excluded.revision,
		   updated_at = excluded.updated_at`,
		identity, rs.DisplayName, string(rules), revision, now.Format(timeFormat))
	if err != nil {
		return fmt.Errorf("upsert rule set: %w", err)
	}

	var supersedes *string
	if prev.Valid {
		supersedes = &prev.String
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO rule_history (revision, identity, rules, supersedes, created_at) VALUES (?, ?, ?, ?, ?)`,
		revision, identity, string(rules), supersedes, now.Format(timeFormat))
	if err != nil {
		return fmt.Errorf("insert history: %w", err)
	}

	rs.UpdatedAt = now
	rs.Revision = revision
	return nil
}

// normalize replaces zero masks; zero is never persisted.
func (s *SQLiteStore) normalize(rs *model.RuleSet) {
	for _, r := range rs.Rules.Entries() {
		if r.Mask == 0 {
			rs.Rules.Set(r.Thread, model.FullMask(s.cores))
		}
	}
}

func (s *SQLiteStore) ListAll(ctx context.Context) ([]model.RuleSet, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT identity, display_name, rules, revision, updated_at FROM rule_sets ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}

	var sets []model.RuleSet
	var corrupt []*corruptError
	for rows.Next() {
		rs, err := s.scanRuleSet(rows)
		if err != nil {
			var c *corruptError
			if errors.As(err, &c) {
				corrupt = append(corrupt, c)
				continue
			}
			rows.Close()
			return nil, err
		}
		sets = append(sets, *rs)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, err
	}

	for _, c := range corrupt {
		s.dropCorrupt(ctx, s.db, c.identity, c)
	}
	return sets, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, identity string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM rule_sets WHERE identity = ?`, identity)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("rule set %q: %w", identity, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) SetRule(ctx context.Context, identity, thread string, mask model.Mask) (*model.RuleSet, error) {
	if strings.TrimSpace(thread) == "" {
		return nil, fmt.Errorf("set rule: empty thread name")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rs, err := s.load(ctx, tx, identity)
	if errors.Is(err, ErrNotFound) {
		rs = model.NewRuleSet(identity, "")
	} else if err != nil {
		return nil, err
	}
	rs.Rules.Set(thread, mask)

	if err := s.save(ctx, tx, rs); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return rs, nil
}

func (s *SQLiteStore) GetRule(ctx context.Context, identity, thread string) (model.Mask, error) {
	rs, err := s.Load(ctx, identity)
	if err != nil {
		return 0, err
	}
	mask, ok := rs.Rules.Get(thread)
	if !ok {
		return 0, fmt.Errorf("rule %s/%s: %w", identity, thread, ErrNotFound)
	}
	return mask, nil
}

func (s *SQLiteStore) DeleteRule(ctx context.Context, identity, thread string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	rs, err := s.load(ctx, tx, identity)
	if err != nil {
		return err
	}
	if !rs.Rules.Delete(thread) {
		return fmt.Errorf("rule %s/%s: %w", identity, thread, ErrNotFound)
	}
	if err := s.save(ctx, tx, rs); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// corruptError marks a row that cannot be decoded.
type corruptError struct {
	identity string
	err      error
}

func (e *corruptError) Error() string {
	return fmt.Sprintf("corrupt rule set %q: %v", e.identity, e.err)
}

func (e *corruptError) Unwrap() error { return e.err }

func (s *SQLiteStore) dropCorrupt(ctx context.Context, q querier, identity string, cause error) {
	storeLog.WithError(cause).WithField("identity", identity).Warn("deleting corrupt rule set")
	if _, err := q.ExecContext(ctx, `DELETE FROM rule_sets WHERE identity = ?`, identity); err != nil {
		storeLog.WithError(err).WithField("identity", identity).Error("failed to delete corrupt rule set")
	}
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func (s *SQLiteStore) scanRuleSet(row scanner) (*model.RuleSet, error) {
	var identity, displayName, rules, revision, updatedAt string
	if err := row.Scan(&identity, &displayName, &rules, &revision, &updatedAt); err != nil {
		return nil, err
	}
	if strings.TrimSpace(identity) == "" {
		return nil, &corruptError{identity: identity, err: errors.New("empty identity")}
	}

	decoded, err := decodeRules([]byte(rules))
	if err != nil {
		return nil, &corruptError{identity: identity, err: err}
	}

	rs := model.NewRuleSet(identity, displayName)
	rs.Revision = revision
	rs.UpdatedAt = parseTime(updatedAt)
	rs.Rules = decoded
	s.normalize(rs)
	return rs, nil
}

func parseTime(v string) time.Time {
	if t, err := time.Parse(timeFormat, v); err == nil {
		return t
	}
	t, _ := time.Parse(time.RFC3339Nano, v)
	return t
}
