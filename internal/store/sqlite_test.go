package store

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/rcliao/threadpin/internal/model"
)

func init() {
	l := logrus.New()
	l.Out = io.Discard
	SetLogger(logrus.NewEntry(l))
}

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dir := t.TempDir()
	s, err := NewSQLiteStore(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func rawRules(t *testing.T, s *SQLiteStore, identity string) string {
	t.Helper()
	var rules string
	if err := s.db.QueryRow(`SELECT rules FROM rule_sets WHERE identity = ?`, identity).Scan(&rules); err != nil {
		t.Fatalf("read raw rules: %v", err)
	}
	return rules
}

func insertRaw(t *testing.T, s *SQLiteStore, identity, rules string) {
	t.Helper()
	_, err := s.db.Exec(`INSERT INTO rule_sets (identity, display_name, rules, revision, updated_at)
		VALUES (?, ?, ?, 'legacy', '2024-01-01T00:00:00Z')`, identity, identity, rules)
	if err != nil {
		t.Fatalf("insert raw: %v", err)
	}
}

func TestSaveAndLoad(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	rs := model.NewRuleSet("com.example.game", "Example Game")
	rs.Rules.Set("RenderThread", 0x38)
	rs.Rules.Set("UnityMain", 0x80)
	if err := s.Save(ctx, rs); err != nil {
		t.Fatalf("save: %v", err)
	}
	if rs.Revision == "" {
		t.Error("expected revision to be stamped")
	}
	if rs.UpdatedAt.IsZero() {
		t.Error("expected updated_at to be stamped")
	}

	got, err := s.Load(ctx, "com.example.game")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.DisplayName != "Example Game" {
		t.Errorf("expected display name 'Example Game', got %q", got.DisplayName)
	}
	if m, ok := got.Rules.Get("renderthread"); !ok || m != 0x38 {
		t.Errorf("expected RenderThread=0x38, got %v (found=%v)", m, ok)
	}
	entries := got.Rules.Entries()
	if len(entries) != 2 || entries[0].Thread != "RenderThread" || entries[1].Thread != "UnityMain" {
		t.Errorf("rule order not preserved: %+v", entries)
	}
	if raw := rawRules(t, s, "com.example.game"); raw != `{"RenderThread":"0x38","UnityMain":"0x80"}` {
		t.Errorf("unexpected stored form %s", raw)
	}
}

func TestLoadMissing(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Load(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLegacyDecimalMaskUpgrade(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	insertRaw(t, s, "com.legacy", `{"RenderThread":240,"GameThread":"240","Worker":"0xf0"}`)

	rs, err := s.Load(ctx, "com.legacy")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	for _, name := range []string{"RenderThread", "GameThread", "Worker"} {
		if m, _ := rs.Rules.Get(name); m != 0xF0 {
			t.Errorf("%s: expected 0xF0, got %v", name, m)
		}
	}

	if err := s.Save(ctx, rs); err != nil {
		t.Fatalf("save: %v", err)
	}
	raw := rawRules(t, s, "com.legacy")
	if raw != `{"RenderThread":"0xF0","GameThread":"0xF0","Worker":"0xF0"}` {
		t.Errorf("expected canonical hex after save, got %s", raw)
	}
}

func TestInvalidMaskFallsBack(t *testing.T) {
	s := newTestStore(t)
	insertRaw(t, s, "com.bad", `{"RenderThread":"fast please"}`)

	m, err := s.GetRule(context.Background(), "com.bad", "RenderThread")
	if err != nil {
		t.Fatalf("get rule: %v", err)
	}
	if m != FallbackMask {
		t.Errorf("expected fallback 0xFF, got %v", m)
	}
}

func TestZeroMaskNeverPersisted(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := NewSQLiteStore(filepath.Join(dir, "test.db"), WithCores(6))
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	defer s.Close()

	if _, err := s.SetRule(ctx, "com.zero", "RenderThread", 0); err != nil {
		t.Fatalf("set rule: %v", err)
	}
	if raw := rawRules(t, s, "com.zero"); raw != `{"RenderThread":"0x3F"}` {
		t.Errorf("expected zero to be stored as full mask, got %s", raw)
	}
}

func TestCorruptRecordIsDeleted(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	insertRaw(t, s, "com.corrupt", `{"RenderThread":`)

	if _, err := s.Load(ctx, "com.corrupt"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for corrupt record, got %v", err)
	}
	var n int
	s.db.QueryRow(`SELECT COUNT(*) FROM rule_sets WHERE identity = 'com.corrupt'`).Scan(&n)
	if n != 0 {
		t.Error("expected corrupt record to be deleted")
	}
	if _, err := s.Load(ctx, "com.corrupt"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second load, got %v", err)
	}
}

func TestListAllSkipsCorrupt(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	s.SetRule(ctx, "com.a", "RenderThread", 0x38)
	s.SetRule(ctx, model.GlobalIdentity, "surfaceflinger", 0xC0)
	insertRaw(t, s, "com.corrupt", `[1,2,3]`)
	insertRaw(t, s, "com.badvalue", `{"RenderThread":true}`)

	all, err := s.ListAll(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 valid rule sets, got %d", len(all))
	}
	for _, rs := range all {
		if strings.HasPrefix(rs.Identity, "com.corrupt") || rs.Identity == "com.badvalue" {
			t.Errorf("corrupt record %q surfaced", rs.Identity)
		}
	}

	again, _ := s.ListAll(ctx)
	if len(again) != 2 {
		t.Errorf("expected corrupt rows removed, got %d rows", len(again))
	}
}

func TestCaseInsensitiveKeys(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	s.SetRule(ctx, "com.case", "RenderThread", 0x38)
	rs, err := s.SetRule(ctx, "com.case", "renderthread", 0xC0)
	if err != nil {
		t.Fatalf("set rule: %v", err)
	}
	if rs.Rules.Len() != 1 {
		t.Fatalf("expected one key, got %d", rs.Rules.Len())
	}
	if raw := rawRules(t, s, "com.case"); raw != `{"renderthread":"0xC0"}` {
		t.Errorf("unexpected stored form %s", raw)
	}

	insertRaw(t, s, "com.dupe", `{"Worker":"0x01","WORKER":"0x02"}`)
	m, err := s.GetRule(ctx, "com.dupe", "worker")
	if err != nil {
		t.Fatalf("get rule: %v", err)
	}
	if m != 0x02 {
		t.Errorf("expected the later duplicate to win, got %v", m)
	}
}

func TestDeleteRuleAndRuleSet(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	s.SetRule(ctx, "com.del", "A", 0x01)
	s.SetRule(ctx, "com.del", "B", 0x02)

	if err := s.DeleteRule(ctx, "com.del", "a"); err != nil {
		t.Fatalf("delete rule: %v", err)
	}
	if _, err := s.GetRule(ctx, "com.del", "A"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected rule gone, got %v", err)
	}
	if err := s.DeleteRule(ctx, "com.del", "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing rule, got %v", err)
	}

	if err := s.Delete(ctx, "com.del"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Load(ctx, "com.del"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	if err := s.Delete(ctx, "com.del"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound deleting twice, got %v", err)
	}
}

func TestHistory(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	first, _ := s.SetRule(ctx, "com.hist", "A", 0x01)
	firstRev := first.Revision
	second, _ := s.SetRule(ctx, "com.hist", "A", 0x03)

	revs, err := s.History(ctx, "com.hist", 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(revs) != 2 {
		t.Fatalf("expected 2 revisions, got %d", len(revs))
	}
	if revs[0].Revision != second.Revision || revs[0].Supersedes != firstRev {
		t.Errorf("expected newest revision to supersede the first: %+v", revs[0])
	}
	if m, _ := revs[1].Rules.Get("A"); m != 0x01 {
		t.Errorf("expected first revision mask 0x01, got %v", m)
	}
}

func TestDBPathCreation(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "sub", "dir", "test.db")
	s, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	s.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("expected db file to be created")
	}
}
