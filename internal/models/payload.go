// Package models provides data model definitions for the tournament sync engine.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
)

// Payload is the JSON object body of a synced document.
type Payload map[string]interface{}

// Value implements driver.Valuer for Payload.
func (p Payload) Value() (driver.Value, error) {
	if p == nil {
		return nil, nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements sql.Scanner for Payload.
func (p *Payload) Scan(value interface{}) error {
	var data []byte
	switch v := value.(type) {
	case nil:
		*p = nil
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into Payload", value)
	}
	var out Payload
	if err := json.Unmarshal(data, &out); err != nil {
		return fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	*p = out
	return nil
}

// Clone returns a deep copy made through a JSON round trip.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		out := make(Payload, len(p))
		for k, v := range p {
			out[k] = v
		}
		return out
	}
	var out Payload
	_ = json.Unmarshal(data, &out)
	return out
}

// SizeBytes returns the encoded JSON size of the payload.
func (p Payload) SizeBytes() int64 {
	if p == nil {
		return 0
	}
	data, err := json.Marshal(p)
	if err != nil {
		return 0
	}
	return int64(len(data))
}

// String returns the field at key if it is a string.
func (p Payload) String(key string) string {
	s, _ := p[key].(string)
	return s
}

// ChangedFields returns the sorted top-level keys whose values differ between
// base and p, including keys added or removed.
func (p Payload) ChangedFields(base Payload) []string {
	var changed []string
	for k, v := range p {
		bv, ok := base[k]
		if !ok || !equalJSON(v, bv) {
			changed = append(changed, k)
		}
	}
	for k := range base {
		if _, ok := p[k]; !ok {
			changed = append(changed, k)
		}
	}
	sort.Strings(changed)
	return changed
}

// Equal reports whether two payloads encode the same JSON object.
func (p Payload) Equal(other Payload) bool {
	return len(p.ChangedFields(other)) == 0 && (p == nil) == (other == nil)
}

func equalJSON(a, b interface{}) bool {
	// Values decoded from JSON and values built in code (int vs float64)
	// compare through their encoding.
	if reflect.DeepEqual(a, b) {
		return true
	}
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(ja) == string(jb)
}

// StringSet is a set of strings persisted as a sorted JSON array.
type StringSet map[string]struct{}

// NewStringSet builds a set from values.
func NewStringSet(values ...string) StringSet {
	s := make(StringSet, len(values))
	for _, v := range values {
		s[v] = struct{}{}
	}
	return s
}

// Has reports membership.
func (s StringSet) Has(v string) bool {
	_, ok := s[v]
	return ok
}

// Add inserts values.
func (s StringSet) Add(values ...string) {
	for _, v := range values {
		s[v] = struct{}{}
	}
}

// Sorted returns the members in ascending order.
func (s StringSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for v := range s {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// MarshalJSON encodes the set as a sorted array.
func (s StringSet) MarshalJSON() ([]byte, error) {
	if s == nil {
		return []byte("null"), nil
	}
	return json.Marshal(s.Sorted())
}

// UnmarshalJSON decodes an array into the set.
func (s *StringSet) UnmarshalJSON(data []byte) error {
	var values []string
	if err := json.Unmarshal(data, &values); err != nil {
		return err
	}
	if values == nil {
		*s = nil
		return nil
	}
	*s = NewStringSet(values...)
	return nil
}

// Value implements driver.Valuer for StringSet. A nil set is stored as NULL,
// which matters for optional sets such as scoped match IDs.
func (s StringSet) Value() (driver.Value, error) {
	if s == nil {
		return nil, nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements sql.Scanner for StringSet.
func (s *StringSet) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*s = nil
		return nil
	case []byte:
		return s.UnmarshalJSON(v)
	case string:
		return s.UnmarshalJSON([]byte(v))
	default:
		return fmt.Errorf("cannot scan %T into StringSet", value)
	}
}
