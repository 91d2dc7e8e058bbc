// Package capability defines the closed vocabulary of named permission flags.
//
// Every capability name that crosses a package boundary (role templates,
// membership overrides, evaluated actions) is validated here. Unknown names
// are rejected rather than carried around as loose keys.
package capability

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Capability is a named permission flag
type Capability string

const (
	Read           Capability = "read"
	Write          Capability = "write"
	Delete         Capability = "delete"
	Export         Capability = "export"
	ViewFinancials Capability = "view_financials"
	ManageMembers  Capability = "manage_members"
	ManageRoles    Capability = "manage_roles"
	ManageSettings Capability = "manage_settings"
	ViewAudit      Capability = "view_audit"
	Rollback       Capability = "rollback"
	Admin          Capability = "admin"
)

var known = map[Capability]struct{}{
	Read:           {},
	Write:          {},
	Delete:         {},
	Export:         {},
	ViewFinancials: {},
	ManageMembers:  {},
	ManageRoles:    {},
	ManageSettings: {},
	ViewAudit:      {},
	Rollback:       {},
	Admin:          {},
}

// UnknownError reports a capability name outside the vocabulary.
type UnknownError struct {
	Name string
}

func (e *UnknownError) Error() string {
	return fmt.Sprintf("unknown capability %q", e.Name)
}

// All returns every recognized capability in sorted order
func All() []Capability {
	caps := make([]Capability, 0, len(known))
	for c := range known {
		caps = append(caps, c)
	}
	sort.Slice(caps, func(i, j int) bool { return caps[i] < caps[j] })
	return caps
}

// Valid reports whether c is part of the vocabulary
func (c Capability) Valid() bool {
	_, ok := known[c]
	return ok
}

func (c Capability) String() string {
	return string(c)
}

// Parse validates a raw capability name
func Parse(name string) (Capability, error) {
	c := Capability(strings.TrimSpace(name))
	if !c.Valid() {
		return "", &UnknownError{Name: name}
	}
	return c, nil
}

// Set maps capabilities to an explicit grant (true) or deny (false).
// Absence of a key means "no opinion".
type Set map[Capability]bool

// ParseSet validates every key of a raw map. The first unknown key fails the
// whole set.
func ParseSet(raw map[string]bool) (Set, error) {
	set := make(Set, len(raw))
	for name, v := range raw {
		c, err := Parse(name)
		if err != nil {
			return nil, err
		}
		set[c] = v
	}
	return set, nil
}

// Split separates a raw map into recognized entries and the names that are
// no longer part of the vocabulary.
func Split(raw map[string]bool) (Set, []string) {
	set := make(Set, len(raw))
	var stale []string
	for name, v := range raw {
		c := Capability(name)
		if !c.Valid() {
			stale = append(stale, name)
			continue
		}
		set[c] = v
	}
	sort.Strings(stale)
	return set, stale
}

// Lookup returns the explicit entry for c, if any
func (s Set) Lookup(c Capability) (value bool, present bool) {
	value, present = s[c]
	return value, present
}

// Clone returns an independent copy
func (s Set) Clone() Set {
	out := make(Set, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Equal reports whether both sets hold identical entries
func (s Set) Equal(other Set) bool {
	if len(s) != len(other) {
		return false
	}
	for k, v := range s {
		ov, ok := other[k]
		if !ok || ov != v {
			return false
		}
	}
	return true
}

// CanonicalKey renders the set as an order-independent string such as
// "export=1,view_financials=1,write=0". The empty set renders as "".
func (s Set) CanonicalKey() string {
	if len(s) == 0 {
		return ""
	}
	keys := make([]string, 0, len(s))
	for c := range s {
		keys = append(keys, string(c))
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		if s[Capability(k)] {
			b.WriteString("=1")
		} else {
			b.WriteString("=0")
		}
	}
	return b.String()
}

// Raw converts the set back into a plain map, e.g. for JSON columns
func (s Set) Raw() map[string]bool {
	out := make(map[string]bool, len(s))
	for k, v := range s {
		out[string(k)] = v
	}
	return out
}

// MarshalJSON encodes the set as a plain object
func (s Set) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Raw())
}

// UnmarshalJSON decodes and validates a plain object
func (s *Set) UnmarshalJSON(data []byte) error {
	var raw map[string]bool
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseSet(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
