package compiler

import (
	"grimm.is/floe/internal/policydb"
)

// newInterfaceNegationStage resolves a negated interface slot into the
// complement across the firewall's interfaces and clears the flag. Loopback
// interfaces are excluded from the complement; unprotected and management
// interfaces are not (they are still interfaces of this firewall, and
// silently narrowing "everything but X" would change the user's rule).
func newInterfaceNegationStage(slot string) Stage {
	return newMapStage("interface negation", func(c *Compiler, r *Rule) []*Rule {
		if !r.Negated(slot) {
			return []*Rule{r}
		}
		negated := make(map[policydb.Handle]bool, len(r.Slot(slot)))
		for _, h := range r.Slot(slot) {
			negated[h] = true
		}
		var complement []policydb.Handle
		for _, iface := range c.db.InterfacesOf(c.fw) {
			if iface.Loopback || negated[iface.ID()] {
				continue
			}
			complement = append(complement, iface.ID())
		}
		r.SetSlot(slot, complement)
		r.SetNegated(slot, false)
		if len(complement) == 0 {
			c.errorf(r, "interface negation", "negation leaves no interface to match")
			return nil
		}
		return []*Rule{r}
	})
}

// newNegationCheckStage verifies the remaining negation flags against the
// platform. Unsupported negation aborts the rule; supported negation passes
// through unchanged for the terminal stage to render natively.
func newNegationCheckStage(slots ...string) Stage {
	return newMapStage("negation check", func(c *Compiler, r *Rule) []*Rule {
		caps := platformCaps[c.platform]
		for _, slot := range slots {
			if !r.Negated(slot) || len(r.Slot(slot)) == 0 {
				continue
			}
			if !caps.negatableSlots[slot] {
				c.abort(r, "negation check", "%s does not support negation in the %s slot", c.platform, slot)
				if !c.testMode {
					return nil
				}
				continue
			}
			if caps.singleNegationOnly[slot] && len(r.Slot(slot)) > 1 {
				c.abort(r, "negation check", "%s supports negation of a single object only in the %s slot", c.platform, slot)
				if !c.testMode {
					return nil
				}
			}
		}
		return []*Rule{r}
	})
}
