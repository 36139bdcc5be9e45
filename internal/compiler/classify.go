package compiler

import (
	"strings"

	"grimm.is/floe/internal/policydb"
)

// NATType is the compiler-assigned NAT rule category. It is derived purely
// from the rule's current slots and action, so classification is idempotent.
type NATType int

const (
	NATUnknown NATType = iota
	NoNAT
	SNAT
	SNetNAT
	DNAT
	DNetNAT
	Redirect
	Masquerade
	SimultaneousNAT
	NATBranch
)

func (t NATType) String() string {
	switch t {
	case NoNAT:
		return "no-nat"
	case SNAT:
		return "snat"
	case SNetNAT:
		return "snat-network"
	case DNAT:
		return "dnat"
	case DNetNAT:
		return "dnat-network"
	case Redirect:
		return "redirect"
	case Masquerade:
		return "masquerade"
	case SimultaneousNAT:
		return "simultaneous-nat"
	case NATBranch:
		return "nat-branch"
	}
	return "unknown"
}

// ClassifyNAT assigns the NAT rule type from the translated slots. The
// Branch action is checked before the slot table. Pure: same inputs, same
// answer, every time.
func ClassifyNAT(db *policydb.DB, fw *policydb.Firewall, r *Rule) NATType {
	if strings.EqualFold(r.Action, "branch") {
		return NATBranch
	}

	tsrc := r.Slot(policydb.SlotTSrc)
	tdst := r.Slot(policydb.SlotTDst)
	tsrcAny := len(tsrc) == 0
	tdstAny := len(tdst) == 0

	switch {
	case tsrcAny && tdstAny:
		// tsrv alone is a pass-through; port-only rewriting is folded
		// into the enclosing translation or means nothing.
		return NoNAT
	case !tsrcAny && tdstAny:
		first := db.Lookup(tsrc[0])
		if isDynamicInterfaceAddress(db, first) {
			return Masquerade
		}
		if isNetworkObject(first) {
			return SNetNAT
		}
		return SNAT
	case tsrcAny && !tdstAny:
		first := db.Lookup(tdst[0])
		if isNetworkObject(first) {
			return DNetNAT
		}
		if db.BelongsTo(fw, first) {
			return Redirect
		}
		return DNAT
	default:
		return SimultaneousNAT
	}
}

func isNetworkObject(obj policydb.Object) bool {
	switch obj.(type) {
	case *policydb.Network, *policydb.AttachedNetwork:
		return true
	}
	return false
}

// isDynamicInterfaceAddress reports whether the translated source is an
// interface (or its address) whose address is assigned at runtime; source
// translation through such an interface has to be a masquerade.
func isDynamicInterfaceAddress(db *policydb.DB, obj policydb.Object) bool {
	switch o := obj.(type) {
	case *policydb.Interface:
		return o.Dynamic
	case *policydb.InterfaceAddress:
		iface := db.OwnerInterface(o)
		return iface != nil && iface.Dynamic
	}
	return false
}

// newClassifyStage assigns action-derived categories and compiler-internal
// flags. Policy rules get their derived marker flags validated; NAT rules
// get their NATType. Running the stage twice yields identical fields.
func newClassifyStage() Stage {
	return newMapStage("classify", func(c *Compiler, r *Rule) []*Rule {
		switch r.Kind {
		case policydb.KindNAT:
			r.NATType = ClassifyNAT(c.db, c.fw, r)
			if r.NATType == SimultaneousNAT {
				c.abort(r, "classify", "simultaneous source and destination translation is not supported")
				if !c.testMode {
					return nil
				}
			}
		case policydb.KindPolicy:
			r.Action = strings.ToLower(r.Action)
			switch r.Action {
			case "accept", "deny", "reject", "accounting", "pipe", "custom", "branch", "continue":
			default:
				c.errorf(r, "classify", "unknown action %q", r.Action)
				return nil
			}
			if r.Action == "branch" && r.Branch == "" {
				c.errorf(r, "classify", "branch action without a target rule set")
				return nil
			}
		case policydb.KindRouting:
			r.Action = "route"
		}
		return []*Rule{r}
	})
}
