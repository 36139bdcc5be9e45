package compiler

import (
	"strings"

	"grimm.is/floe/internal/policydb"
)

// newGroupExpansionStage recursively replaces group references in every slot
// with their transitive members. Cycle protection and the inactive-library
// guard live in the store's MembersOf.
func newGroupExpansionStage() Stage {
	return newMapStage("expand groups", func(c *Compiler, r *Rule) []*Rule {
		for slot, refs := range r.Elements {
			var out []policydb.Handle
			changed := false
			for _, h := range refs {
				if g, ok := c.db.Lookup(h).(*policydb.Group); ok {
					for _, m := range c.db.MembersOf(g) {
						out = append(out, m.ID())
					}
					changed = true
					continue
				}
				out = append(out, h)
			}
			if changed {
				if len(out) == 0 {
					// A group that expanded to nothing is an authoring
					// mistake, not a filtered-away slot.
					c.errorf(r, "expand groups", "group in %s slot has no members", slot)
					return nil
				}
				r.SetSlot(slot, out)
			}
		}
		return []*Rule{r}
	})
}

// newFamilyFilterStage removes address and service elements that cannot
// exist in the compiling address family. A slot emptied here marks the rule
// for the drop-empty stage downstream.
func newFamilyFilterStage() Stage {
	addressSlots := []string{
		policydb.SlotSrc, policydb.SlotDst,
		policydb.SlotOSrc, policydb.SlotODst, policydb.SlotTSrc, policydb.SlotTDst,
		policydb.SlotRDst, policydb.SlotRGtw,
	}
	serviceSlots := []string{policydb.SlotSrv, policydb.SlotOSrv, policydb.SlotTSrv}

	return newMapStage("family filter", func(c *Compiler, r *Rule) []*Rule {
		for _, slot := range addressSlots {
			refs := r.Slot(slot)
			if len(refs) == 0 {
				continue
			}
			kept := refs[:0:0]
			for _, h := range refs {
				if addressMatchesFamily(c.db, h, c.family) {
					kept = append(kept, h)
				}
			}
			if len(kept) == 0 {
				r.EmptyRuleElements = true
			}
			r.SetSlot(slot, kept)
		}
		for _, slot := range serviceSlots {
			refs := r.Slot(slot)
			if len(refs) == 0 {
				continue
			}
			kept := refs[:0:0]
			for _, h := range refs {
				if serviceMatchesFamily(c.db, h, c.family) {
					kept = append(kept, h)
				}
			}
			if len(kept) == 0 {
				r.EmptyRuleElements = true
			}
			r.SetSlot(slot, kept)
		}
		return []*Rule{r}
	})
}

func addressMatchesFamily(db *policydb.DB, h policydb.Handle, fam Family) bool {
	obj := db.Lookup(h)
	var addr string
	switch o := obj.(type) {
	case *policydb.Host:
		addr = o.Address
	case *policydb.Network:
		addr = o.CIDR
	case *policydb.AddressRange:
		addr = o.Start
	case *policydb.InterfaceAddress:
		addr = o.Address
	default:
		// Interfaces, attached networks, DNS names, MAC addresses and the
		// firewall itself are family-neutral.
		return true
	}
	isV6 := strings.Contains(addr, ":")
	return (fam == FamilyIPv6) == isV6
}

func serviceMatchesFamily(db *policydb.DB, h policydb.Handle, fam Family) bool {
	if icmp, ok := db.Lookup(h).(*policydb.ICMPService); ok {
		return (fam == FamilyIPv6) == icmp.V6
	}
	return true
}

// newInterfaceSplitStage replaces a rule naming N interfaces with N clones,
// each naming exactly one, in original order. "Any interface" passes through.
func newInterfaceSplitStage(slot string) Stage {
	return newMapStage("split interfaces", func(c *Compiler, r *Rule) []*Rule {
		refs := r.Slot(slot)
		if len(refs) <= 1 {
			return []*Rule{r}
		}
		out := make([]*Rule, 0, len(refs))
		for _, h := range refs {
			cl := r.Clone()
			cl.SetSlot(slot, []policydb.Handle{h})
			out = append(out, cl)
		}
		return out
	})
}
