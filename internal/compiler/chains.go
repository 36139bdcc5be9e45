package compiler

import (
	"fmt"

	"grimm.is/floe/internal/policydb"
)

// natChainTarget is the fixed {classification} -> {chain, verb} map for NAT
// rule sets.
var natChainTarget = map[NATType]struct{ chain, target string }{
	SNAT:       {"POSTROUTING", "SNAT"},
	SNetNAT:    {"POSTROUTING", "NETMAP"},
	Masquerade: {"POSTROUTING", "MASQUERADE"},
	DNAT:       {"PREROUTING", "DNAT"},
	DNetNAT:    {"PREROUTING", "NETMAP"},
	Redirect:   {"PREROUTING", "REDIRECT"},
}

// policyTargets maps policy actions to target verbs. Branch, accounting and
// custom actions are resolved per rule.
var policyTargets = map[string]string{
	"accept":   "ACCEPT",
	"deny":     "DROP",
	"reject":   "REJECT",
	"pipe":     "NFQUEUE",
	"continue": "",
}

// newChainAssignStage fills the rule's chain and target scratch fields from
// deterministic lookup tables keyed by rule-set kind and classification.
func newChainAssignStage() Stage {
	return newMapStage("assign chains", func(c *Compiler, r *Rule) []*Rule {
		switch r.Kind {
		case policydb.KindNAT:
			if r.NATType == NATBranch {
				r.Chain = "PREROUTING"
				r.Target = c.branchChain(r)
				return []*Rule{r}
			}
			if r.NATType == NoNAT {
				// A pass-through must shield the traffic in both NAT hooks,
				// or a later destination translation still rewrites it.
				var out []*Rule
				for _, chain := range []string{"PREROUTING", "POSTROUTING"} {
					cl := r.Clone()
					cl.Chain = chain
					cl.Target = "ACCEPT"
					out = append(out, cl)
				}
				return out
			}
			ct, ok := natChainTarget[r.NATType]
			if !ok {
				c.errorf(r, "assign chains", "no chain mapping for %s", r.NATType)
				return nil
			}
			r.Chain, r.Target = ct.chain, ct.target

		case policydb.KindPolicy:
			if r.Automatic && len(r.Elements) == 0 && r.Options.stateMatch != "" {
				// Conntrack accepts apply in every builtin chain.
				var out []*Rule
				for _, chain := range []string{"INPUT", "FORWARD", "OUTPUT"} {
					cl := r.Clone()
					cl.Chain = chain
					cl.Target = policyTargets[r.Action]
					out = append(out, cl)
				}
				return out
			}
			r.Chain = policyChain(c, r)
			switch r.Action {
			case "branch":
				r.Target = c.branchChain(r)
			case "accounting":
				r.Target = c.accountingChain(r)
			case "custom":
				if r.Options.Custom == "" {
					c.errorf(r, "assign chains", "custom action without a custom_target option")
					return nil
				}
				r.Target = r.Options.Custom
			default:
				r.Target = policyTargets[r.Action]
			}

		case policydb.KindRouting:
			r.Chain = "routes"
			r.Target = "route"
		}
		return []*Rule{r}
	})
}

// policyChain picks the builtin chain from which side of the conversation
// the firewall itself sits on. Destination self wins over source self, so a
// firewall-to-firewall rule lands in INPUT.
func policyChain(c *Compiler, r *Rule) string {
	if slotReferencesFirewall(c, r.Slot(policydb.SlotDst)) {
		return "INPUT"
	}
	if slotReferencesFirewall(c, r.Slot(policydb.SlotSrc)) {
		return "OUTPUT"
	}
	switch r.Direction {
	case "inbound":
		if len(r.Slot(policydb.SlotDst)) == 0 {
			return "INPUT"
		}
	case "outbound":
		if len(r.Slot(policydb.SlotSrc)) == 0 {
			return "OUTPUT"
		}
	}
	return "FORWARD"
}

func slotReferencesFirewall(c *Compiler, refs []policydb.Handle) bool {
	for _, h := range refs {
		if c.db.BelongsTo(c.fw, c.db.Lookup(h)) {
			return true
		}
	}
	return false
}

// branchChain registers the user chain a branch rule jumps to and returns
// its name.
func (c *Compiler) branchChain(r *Rule) string {
	name := r.Branch
	if name == "" {
		name = r.Label
	}
	c.output.DeclareChain(name)
	return name
}

// accountingChain allocates a per-rule counting chain. The counter suffix is
// owned by this compiler instance, so concurrent rule-set compilations never
// collide on chain names.
func (c *Compiler) accountingChain(r *Rule) string {
	c.chainSeq++
	name := r.Label
	if name == "" {
		name = fmt.Sprintf("rule_%d", r.Position)
	}
	chain := fmt.Sprintf("ACCT_%s_%d", sanitizeChainName(name), c.chainSeq)
	c.output.DeclareChain(chain)
	c.output.Append(chain, c.printer.AccountingReturn(chain))
	return chain
}

func sanitizeChainName(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	if len(out) > 24 {
		out = out[:24]
	}
	return string(out)
}
