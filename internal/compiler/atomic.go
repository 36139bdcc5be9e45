package compiler

import (
	"grimm.is/floe/internal/policydb"
)

// newAtomicExpansionStage replaces a rule still carrying more than one
// element in any of the given slots with the full cross product over those
// slots, each output rule carrying exactly one element per expanded slot.
// Slot order in the product follows the slots argument, so expansion order
// is deterministic.
func newAtomicExpansionStage(slots ...string) Stage {
	return newMapStage("atomic expansion", func(c *Compiler, r *Rule) []*Rule {
		multi := false
		for _, slot := range slots {
			if len(r.Slot(slot)) > 1 {
				multi = true
				break
			}
		}
		if !multi {
			return []*Rule{r}
		}

		out := []*Rule{r}
		for _, slot := range slots {
			refs := r.Slot(slot)
			if len(refs) <= 1 {
				continue
			}
			expanded := make([]*Rule, 0, len(out)*len(refs))
			for _, base := range out {
				for _, h := range refs {
					cl := base.Clone()
					cl.SetSlot(slot, []policydb.Handle{h})
					expanded = append(expanded, cl)
				}
			}
			out = expanded
		}
		return out
	})
}
