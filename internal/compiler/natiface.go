package compiler

import (
	"grimm.is/floe/internal/policydb"
)

// newNATInterfaceStage derives the outbound interface for source translation
// rules that do not set one explicitly. When the translated source is bound
// to one of this firewall's interfaces the rule gets that interface;
// otherwise the rule is replicated once per non-loopback interface. The
// replication is a deliberate fallback policy, not an error.
func newNATInterfaceStage() Stage {
	return newMapStage("nat interfaces", func(c *Compiler, r *Rule) []*Rule {
		if r.Kind != policydb.KindNAT {
			return []*Rule{r}
		}
		switch r.NATType {
		case SNAT, SNetNAT, Masquerade:
		default:
			return []*Rule{r}
		}
		if r.IfaceOut != "" {
			return []*Rule{r}
		}
		if refs := r.Slot(policydb.SlotItf); len(refs) == 1 {
			if iface, ok := c.db.Lookup(refs[0]).(*policydb.Interface); ok {
				r.IfaceOut = iface.Name()
				return []*Rule{r}
			}
		}

		tsrc := r.Slot(policydb.SlotTSrc)
		if len(tsrc) == 1 {
			if iface := c.db.OwnerInterface(c.db.Lookup(tsrc[0])); iface != nil && iface.Firewall == c.fw.ID() {
				r.IfaceOut = iface.Name()
				return []*Rule{r}
			}
		}

		var out []*Rule
		for _, iface := range c.db.InterfacesOf(c.fw) {
			if iface.Loopback {
				continue
			}
			cl := r.Clone()
			cl.IfaceOut = iface.Name()
			out = append(out, cl)
		}
		if len(out) == 0 {
			c.errorf(r, "nat interfaces", "no interface available for source translation")
			return nil
		}
		return out
	})
}

// newNATBranchIfaceStage copies explicit inbound interface hints from the
// interface slot onto destination translation rules before printing.
func newNATHintStage() Stage {
	return newMapStage("nat hints", func(c *Compiler, r *Rule) []*Rule {
		if r.Kind != policydb.KindNAT {
			return []*Rule{r}
		}
		switch r.NATType {
		case DNAT, DNetNAT, Redirect:
			if refs := r.Slot(policydb.SlotItf); len(refs) == 1 && r.IfaceIn == "" {
				if iface, ok := c.db.Lookup(refs[0]).(*policydb.Interface); ok {
					r.IfaceIn = iface.Name()
				}
			}
		}
		return []*Rule{r}
	})
}
