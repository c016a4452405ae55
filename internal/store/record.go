package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/rcliao/threadpin/internal/model"
)

// FallbackMask replaces a stored mask that cannot be parsed.
const FallbackMask model.Mask = 0xFF

// Record is the interchange form of one rule set.
type Record struct {
	PackageName      string    `json:"packageName"`
	AppName          string    `json:"appName"`
	Timestamp        int64     `json:"timestamp"`
	ThreadAffinities WireRules `json:"threadAffinities"`
}

// WireRules is a rule mapping that decodes every historical mask encoding:
// "0xF0" strings, decimal strings such as "240", and bare numbers.
type WireRules struct {
	model.Rules
}

// UnmarshalJSON decodes the mapping in document order.
func (w *WireRules) UnmarshalJSON(data []byte) error {
	rules, err := decodeRules(data)
	if err != nil {
		return err
	}
	w.Rules = rules
	return nil
}

// NewRecord converts a rule set to its interchange form.
func NewRecord(rs *model.RuleSet) Record {
	return Record{
		PackageName:      rs.Identity,
		AppName:          rs.DisplayName,
		Timestamp:        rs.UpdatedAt.UnixMilli(),
		ThreadAffinities: WireRules{Rules: rs.Rules.Clone()},
	}
}

// RuleSet converts the record back to a rule set.
func (r Record) RuleSet() *model.RuleSet {
	rs := model.NewRuleSet(r.PackageName, r.AppName)
	if r.Timestamp > 0 {
		rs.UpdatedAt = time.UnixMilli(r.Timestamp).UTC()
	}
	rs.Rules = r.ThreadAffinities.Rules.Clone()
	return rs
}

// decodeRules reads a JSON object of thread name -> mask. Keys that differ
// only in case collapse to the last one.
func decodeRules(data []byte) (model.Rules, error) {
	var rules model.Rules
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return rules, nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return rules, fmt.Errorf("decode rules: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return rules, fmt.Errorf("decode rules: expected object, got %v", tok)
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return rules, fmt.Errorf("decode rules: %w", err)
		}
		name, ok := tok.(string)
		if !ok {
			return rules, fmt.Errorf("decode rules: bad key %v", tok)
		}
		var raw interface{}
		if err := dec.Decode(&raw); err != nil {
			return rules, fmt.Errorf("decode rules: value of %q: %w", name, err)
		}
		mask, err := decodeMask(raw)
		if err != nil {
			return rules, fmt.Errorf("decode rules: value of %q: %w", name, err)
		}
		rules.Set(name, mask)
	}
	if _, err := dec.Token(); err != nil {
		return rules, fmt.Errorf("decode rules: %w", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return rules, fmt.Errorf("decode rules: trailing data")
	}
	return rules, nil
}

// decodeMask maps one stored value to a mask. Unparseable strings fall back
// to FallbackMask; values of other JSON types are corrupt.
func decodeMask(v interface{}) (model.Mask, error) {
	switch x := v.(type) {
	case json.Number:
		if u, err := strconv.ParseUint(x.String(), 10, 64); err == nil {
			return model.Mask(u), nil
		}
		f, err := x.Float64()
		if err != nil || f < 0 {
			return 0, fmt.Errorf("bad numeric mask %s", x)
		}
		return model.Mask(uint64(f)), nil
	case string:
		m, err := model.ParseMask(x)
		if err != nil {
			storeLog.WithField("value", x).Warn("unparseable mask, using fallback")
			return FallbackMask, nil
		}
		return m, nil
	default:
		return 0, fmt.Errorf("unsupported mask value %v", v)
	}
}

// isCanonical reports whether a stored rules document already uses the
// "0x" + uppercase hex form for every value.
func isCanonical(data string) bool {
	var values map[string]interface{}
	if err := json.Unmarshal([]byte(data), &values); err != nil {
		return false
	}
	for _, v := range values {
		s, ok := v.(string)
		if !ok || !strings.HasPrefix(s, model.MaskPrefix) || s != model.MaskPrefix+strings.ToUpper(s[2:]) {
			return false
		}
	}
	return true
}
