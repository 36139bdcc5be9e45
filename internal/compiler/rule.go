// Package compiler turns the platform-agnostic policy model into concrete
// packet-filter configuration text. Rules flow through a pull-based pipeline
// of rewrite stages; the terminal stage renders one platform syntax unit per
// fully normalized rule.
package compiler

import (
	"github.com/google/uuid"

	"grimm.is/floe/internal/policydb"
)

// Family selects the address family one compiler instance works in.
type Family string

const (
	FamilyIPv4 Family = "ipv4"
	FamilyIPv6 Family = "ipv6"
)

// Rule is the in-flight representation of one rule during compilation.
// Element slots hold ordered handle sequences referencing store objects; the
// objects themselves stay shared and read-only. Scratch fields are assigned
// by stages as the rule moves down the pipeline.
type Rule struct {
	ID        uuid.UUID
	Position  int
	Kind      policydb.RuleKind
	Label     string
	GroupTag  string
	Comment   string
	Action    string
	Direction string
	Branch    string

	Elements  map[string][]policydb.Handle
	Negations map[string]bool
	Options   RuleOptions

	// Scratch fields, compiler-assigned.
	Chain             string
	Target            string
	NATType           NATType
	IfaceIn           string
	IfaceOut          string
	Automatic         bool
	EmptyRuleElements bool
}

// NewRule builds a compilation record from a stored rule. The element slot
// sequences are copied so pipeline mutation never touches the store.
func NewRule(sr *policydb.Rule) *Rule {
	r := &Rule{
		ID:        sr.ID(),
		Position:  sr.Position,
		Kind:      sr.Kind,
		Label:     sr.Name(),
		GroupTag:  sr.GroupTag,
		Comment:   sr.Comment,
		Action:    sr.Action,
		Direction: sr.Direction,
		Branch:    sr.Branch,
		Elements:  make(map[string][]policydb.Handle, len(sr.Elements)),
		Negations: make(map[string]bool, len(sr.Negations)),
		Options:   MigrateRuleOptions(sr.Options),
	}
	for slot, refs := range sr.Elements {
		r.Elements[slot] = append([]policydb.Handle(nil), refs...)
	}
	for slot, neg := range sr.Negations {
		r.Negations[slot] = neg
	}
	return r
}

// Clone produces an independent record: element sequences and the negation
// map are deep-copied so mutating one clone's slots cannot affect another,
// while the referenced entities remain shared store lookups. Identity is
// preserved; callers expanding one rule into many keep the same ID so
// diagnostics still point at the user's rule.
func (r *Rule) Clone() *Rule {
	c := *r
	c.Elements = make(map[string][]policydb.Handle, len(r.Elements))
	for slot, refs := range r.Elements {
		c.Elements[slot] = append([]policydb.Handle(nil), refs...)
	}
	c.Negations = make(map[string]bool, len(r.Negations))
	for slot, neg := range r.Negations {
		c.Negations[slot] = neg
	}
	return &c
}

// Slot returns the ordered element sequence for a slot. Empty means "any".
func (r *Rule) Slot(name string) []policydb.Handle {
	return r.Elements[name]
}

// SetSlot replaces a slot's element sequence.
func (r *Rule) SetSlot(name string, refs []policydb.Handle) {
	if len(refs) == 0 {
		delete(r.Elements, name)
		return
	}
	r.Elements[name] = refs
}

// Negated reports the slot's negation flag.
func (r *Rule) Negated(slot string) bool {
	return r.Negations[slot]
}

// SetNegated sets the slot's negation flag.
func (r *Rule) SetNegated(slot string, neg bool) {
	r.Negations[slot] = neg
}
