package compiler

import (
	"github.com/google/uuid"

	"grimm.is/floe/internal/policydb"
)

// automaticLabel tags rules the compiler generated itself, so diagnostics
// and banners can tell them from user policy.
const automaticLabel = "automatic"

// generateAutomaticRules produces the rules not derived from user policy:
// the connection-tracking accept for established/related traffic and, when
// the firewall is a cluster member, the failover protocol allows. They are
// injected ahead of the user rules in the compiler prolog, so user rules
// always see them already in place. Skipped entirely in single-rule mode.
func (c *Compiler) generateAutomaticRules() []*Rule {
	if c.kind != policydb.KindPolicy {
		return nil
	}
	var out []*Rule
	pos := -100 // sort ahead of any user rule

	if c.fwOptions.AcceptEstablished {
		r := &Rule{
			ID:        uuid.New(),
			Position:  pos,
			Kind:      policydb.KindPolicy,
			Label:     automaticLabel,
			Action:    "accept",
			Direction: "both",
			Elements:  map[string][]policydb.Handle{},
			Negations: map[string]bool{},
			Options:   RuleOptions{Stateless: false},
			Automatic: true,
		}
		r.Options.stateMatch = "established,related"
		out = append(out, r)
		pos++
	}
	if c.fwOptions.DropInvalid {
		r := &Rule{
			ID:        uuid.New(),
			Position:  pos,
			Kind:      policydb.KindPolicy,
			Label:     automaticLabel,
			Action:    "deny",
			Direction: "both",
			Elements:  map[string][]policydb.Handle{},
			Negations: map[string]bool{},
			Automatic: true,
		}
		r.Options.stateMatch = "invalid"
		out = append(out, r)
		pos++
	}
	if c.fwOptions.ClusterFailover {
		if vrrp := c.db.LookupName("vrrp"); vrrp != nil {
			r := &Rule{
				ID:        uuid.New(),
				Position:  pos,
				Kind:      policydb.KindPolicy,
				Label:     automaticLabel,
				Action:    "accept",
				Direction: "both",
				Elements: map[string][]policydb.Handle{
					policydb.SlotSrv: {vrrp.ID()},
				},
				Negations: map[string]bool{},
				Automatic: true,
			}
			out = append(out, r)
		}
	}
	return out
}
