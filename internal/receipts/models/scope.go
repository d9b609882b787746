package models

import "slices"

// Filterable receipt fields.
const (
	FieldOwner  = "ambassadorId"
	FieldSender = "senderTgId"
	FieldStatus = "status"
)

// Scope is an equality (one value) or membership (several values) filter on a
// single field. The zero Scope matches every receipt.
type Scope struct {
	Field  string   `json:"field,omitempty"`
	Values []string `json:"values,omitempty"`
}

// Equal scopes field == value.
func Equal(field, value string) Scope {
	return Scope{Field: field, Values: []string{value}}
}

// In scopes field to any of values.
func In(field string, values ...string) Scope {
	return Scope{Field: field, Values: slices.Clone(values)}
}

// IsAll reports whether the scope is unfiltered.
func (s Scope) IsAll() bool {
	return s.Field == ""
}

// Matches evaluates the filter against a receipt. An unknown field or an empty
// value list matches nothing.
func (s Scope) Matches(r Receipt) bool {
	if s.IsAll() {
		return true
	}
	var v string
	switch s.Field {
	case FieldOwner:
		v = r.OwnerID.String()
	case FieldSender:
		v = r.SenderID.String()
	case FieldStatus:
		v = string(r.Status)
	default:
		return false
	}
	return slices.Contains(s.Values, v)
}

// Filter returns the receipts in rs matching the scope, preserving order.
func (s Scope) Filter(rs []Receipt) []Receipt {
	out := make([]Receipt, 0, len(rs))
	for _, r := range rs {
		if s.Matches(r) {
			out = append(out, r)
		}
	}
	return out
}

// Snapshot is one emission of a live query: the full ordered result set, or an
// error after which the subscription emits nothing more.
type Snapshot struct {
	Receipts []Receipt `json:"receipts"`
	Err      error     `json:"-"`
	// NoSession marks a feed with nobody signed in; it carries no receipts.
	NoSession bool `json:"noSession,omitempty"`
}
