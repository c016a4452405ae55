package model

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

const (
	// GlobalIdentity keys the rule set applied to platform processes.
	GlobalIdentity = "_system_global_"

	// SelfThreadKey stands for every thread of the enforcing process.
	SelfThreadKey = "_THIS_APP_"
)

// KeyKind tells how a rule's thread key is matched against live threads.
type KeyKind int

const (
	NormalName KeyKind = iota
	SelfKey
)

// ResolveKey classifies a thread key before any rule lookup.
func ResolveKey(name string) KeyKind {
	if strings.EqualFold(name, SelfThreadKey) {
		return SelfKey
	}
	return NormalName
}

// Rule pins one thread name to a mask.
type Rule struct {
	Thread string `json:"thread"`
	Mask   Mask   `json:"mask"`
}

// Rules is an ordered thread-name -> mask mapping with case-insensitive,
// unique keys. The zero value is ready to use.
type Rules struct {
	entries []Rule
	index   map[string]int
}

func foldKey(name string) string { return strings.ToLower(strings.TrimSpace(name)) }

// Set adds or replaces the rule for name. A replaced rule keeps its position
// but takes the casing of the newest write.
func (r *Rules) Set(name string, mask Mask) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	if r.index == nil {
		r.index = make(map[string]int)
	}
	k := foldKey(name)
	if i, ok := r.index[k]; ok {
		r.entries[i] = Rule{Thread: name, Mask: mask}
		return
	}
	r.index[k] = len(r.entries)
	r.entries = append(r.entries, Rule{Thread: name, Mask: mask})
}

// Get looks up name case-insensitively.
func (r *Rules) Get(name string) (Mask, bool) {
	if r == nil || r.index == nil {
		return 0, false
	}
	i, ok := r.index[foldKey(name)]
	if !ok {
		return 0, false
	}
	return r.entries[i].Mask, true
}

// Delete removes the rule for name.
func (r *Rules) Delete(name string) bool {
	if r == nil || r.index == nil {
		return false
	}
	k := foldKey(name)
	i, ok := r.index[k]
	if !ok {
		return false
	}
	r.entries = append(r.entries[:i], r.entries[i+1:]...)
	delete(r.index, k)
	for j := i; j < len(r.entries); j++ {
		r.index[foldKey(r.entries[j].Thread)] = j
	}
	return true
}

// Len returns the number of rules.
func (r *Rules) Len() int {
	if r == nil {
		return 0
	}
	return len(r.entries)
}

// Entries returns a copy of the rules in insertion order.
func (r *Rules) Entries() []Rule {
	if r == nil {
		return nil
	}
	out := make([]Rule, len(r.entries))
	copy(out, r.entries)
	return out
}

// Clone returns an independent copy.
func (r *Rules) Clone() Rules {
	var c Rules
	for _, e := range r.Entries() {
		c.Set(e.Thread, e.Mask)
	}
	return c
}

// MarshalJSON writes an object in insertion order with hex mask strings.
func (r Rules) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, e := range r.entries {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(e.Thread)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.WriteString(`"` + e.Mask.Hex() + `"`)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// RuleSet is every rule configured for one identity: a target process name or
// GlobalIdentity.
type RuleSet struct {
	Identity    string    `json:"identity"`
	DisplayName string    `json:"display_name,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
	Revision    string    `json:"revision,omitempty"`
	Rules       Rules     `json:"rules"`
}

// NewRuleSet returns an empty rule set for identity.
func NewRuleSet(identity, displayName string) *RuleSet {
	if displayName == "" {
		displayName = identity
	}
	return &RuleSet{Identity: identity, DisplayName: displayName}
}

// IsGlobal reports whether this is the platform-wide rule set.
func (rs *RuleSet) IsGlobal() bool { return rs.Identity == GlobalIdentity }
