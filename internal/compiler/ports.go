package compiler

import (
	"fmt"

	"grimm.is/floe/internal/policydb"
)

// protoSignature buckets a service object into the protocol group it can be
// emitted with. Services in different buckets can never share one rule.
func protoSignature(obj policydb.Object) string {
	switch s := obj.(type) {
	case *policydb.TCPService:
		if s.Flags != "" || !emptyRange(s.Src) {
			// Flagged or source-port constrained services cannot join a
			// multiport list; isolate them.
			return "tcp!" + s.ID().String()
		}
		return "tcp"
	case *policydb.UDPService:
		if !emptyRange(s.Src) {
			return "udp!" + s.ID().String()
		}
		return "udp"
	case *policydb.ICMPService:
		if s.V6 {
			return "icmp6"
		}
		return "icmp"
	case *policydb.IPService:
		return fmt.Sprintf("ip:%d", s.Protocol)
	case *policydb.CustomService:
		return "custom:" + s.ID().String()
	}
	return "other:" + obj.ID().String()
}

func emptyRange(p policydb.PortRange) bool {
	return p.First == 0 && p.Last == 0
}

// newProtocolGroupStage splits a rule whose services span more than one
// protocol group into one rule per group, in order of first appearance, and
// chunks single-protocol port lists that exceed the platform's multiport
// limit. A rule with 37 one-port services of one protocol comes out as three
// rules carrying 15, 15 and 7 ports, input order preserved.
func newProtocolGroupStage(slot string) Stage {
	return newMapStage("group protocols", func(c *Compiler, r *Rule) []*Rule {
		refs := r.Slot(slot)
		if len(refs) == 0 {
			return []*Rule{r}
		}

		var order []string
		groups := make(map[string][]policydb.Handle)
		for _, h := range refs {
			obj := c.db.Lookup(h)
			if obj == nil {
				c.errorf(r, "group protocols", "dangling service reference in %s slot", slot)
				continue
			}
			sig := protoSignature(obj)
			if _, ok := groups[sig]; !ok {
				order = append(order, sig)
			}
			groups[sig] = append(groups[sig], h)
		}

		limit := platformCaps[c.platform].portListLimit
		var out []*Rule
		for _, sig := range order {
			members := groups[sig]
			icmpSplit := sig == "icmp" || sig == "icmp6"
			switch {
			case icmpSplit:
				// No multiport equivalent for type/code pairs.
				for _, h := range members {
					cl := r.Clone()
					cl.SetSlot(slot, []policydb.Handle{h})
					out = append(out, cl)
				}
			case (sig == "tcp" || sig == "udp") && len(members) > limit:
				for start := 0; start < len(members); start += limit {
					end := min(start+limit, len(members))
					cl := r.Clone()
					cl.SetSlot(slot, append([]policydb.Handle(nil), members[start:end]...))
					out = append(out, cl)
				}
			default:
				cl := r.Clone()
				cl.SetSlot(slot, append([]policydb.Handle(nil), members...))
				out = append(out, cl)
			}
		}
		if len(out) == 1 {
			// Single group: keep the original record, slots already match.
			r.SetSlot(slot, out[0].Slot(slot))
			return []*Rule{r}
		}
		return out
	})
}
