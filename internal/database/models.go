package database

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// JSONB is a custom type for JSON object columns (jsonb on PostgreSQL, blob on SQLite)
type JSONB map[string]interface{}

// Scan implements the sql.Scanner interface
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = make(map[string]interface{})
		return nil
	}
	bytes, err := columnBytes(value)
	if err != nil {
		return err
	}
	if len(bytes) == 0 {
		*j = make(map[string]interface{})
		return nil
	}
	return json.Unmarshal(bytes, j)
}

// Value implements the driver.Valuer interface
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Merge returns a copy of j with every key of other written over it.
func (j JSONB) Merge(other map[string]interface{}) JSONB {
	out := make(JSONB, len(j)+len(other))
	for k, v := range j {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

// StringList is a JSON-encoded list of strings
type StringList []string

func (s *StringList) Scan(value interface{}) error {
	if value == nil {
		*s = nil
		return nil
	}
	bytes, err := columnBytes(value)
	if err != nil {
		return err
	}
	if len(bytes) == 0 {
		*s = nil
		return nil
	}
	return json.Unmarshal(bytes, s)
}

func (s StringList) Value() (driver.Value, error) {
	if s == nil {
		return json.Marshal([]string{})
	}
	return json.Marshal([]string(s))
}

// Union returns the sorted set union of s and other.
func (s StringList) Union(other []string) StringList {
	seen := make(map[string]struct{}, len(s)+len(other))
	out := make(StringList, 0, len(s)+len(other))
	for _, list := range [][]string{s, other} {
		for _, v := range list {
			if v == "" {
				continue
			}
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}

// IntList is a JSON-encoded list of integers, used for escalation schedules (minutes)
type IntList []int

func (l *IntList) Scan(value interface{}) error {
	if value == nil {
		*l = nil
		return nil
	}
	bytes, err := columnBytes(value)
	if err != nil {
		return err
	}
	if len(bytes) == 0 {
		*l = nil
		return nil
	}
	return json.Unmarshal(bytes, l)
}

func (l IntList) Value() (driver.Value, error) {
	if l == nil {
		return json.Marshal([]int{})
	}
	return json.Marshal([]int(l))
}

// ValidateSchedule checks that the list is a non-decreasing sequence of non-negative minutes.
func (l IntList) ValidateSchedule() error {
	for i, v := range l {
		if v < 0 {
			return fmt.Errorf("escalation time %d is negative (%d)", i, v)
		}
		if i > 0 && v < l[i-1] {
			return fmt.Errorf("escalation times must be non-decreasing: %d follows %d", v, l[i-1])
		}
	}
	return nil
}

// ChannelMap maps an escalation round to the channels notified in that round
type ChannelMap map[int][]string

func (m *ChannelMap) Scan(value interface{}) error {
	if value == nil {
		*m = ChannelMap{}
		return nil
	}
	bytes, err := columnBytes(value)
	if err != nil {
		return err
	}
	if len(bytes) == 0 {
		*m = ChannelMap{}
		return nil
	}
	return json.Unmarshal(bytes, m)
}

func (m ChannelMap) Value() (driver.Value, error) {
	if m == nil {
		return json.Marshal(map[int][]string{})
	}
	return json.Marshal(map[int][]string(m))
}

// ForRound returns the channels for a round. A round without its own entry
// inherits the list of the closest lower round that has one.
func (m ChannelMap) ForRound(round int) []string {
	if channels, ok := m[round]; ok {
		return channels
	}
	best := -1
	for r := range m {
		if r <= round && r > best {
			best = r
		}
	}
	if best < 0 {
		return nil
	}
	return m[best]
}

func columnBytes(value interface{}) ([]byte, error) {
	switch v := value.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, errors.New("type assertion to []byte failed")
	}
}
