package compiler

import (
	"grimm.is/floe/internal/policydb"
)

// newDedupStage removes repeated references to the same store entity within
// each slot, by handle identity, preserving first-seen order. Two distinct
// objects with equal values are not duplicates.
func newDedupStage() Stage {
	return newMapStage("deduplicate", func(c *Compiler, r *Rule) []*Rule {
		for slot, refs := range r.Elements {
			if len(refs) < 2 {
				continue
			}
			seen := make(map[policydb.Handle]bool, len(refs))
			kept := refs[:0]
			for _, h := range refs {
				if seen[h] {
					continue
				}
				seen[h] = true
				kept = append(kept, h)
			}
			r.SetSlot(slot, kept)
		}
		return []*Rule{r}
	})
}

// newMACFilterStage removes MAC address elements the platform or position
// cannot match on: link-layer sources work only inbound, and never as a
// destination. Removal is reported; a slot emptied here feeds the drop-empty
// stage.
func newMACFilterStage() Stage {
	return newMapStage("mac filter", func(c *Compiler, r *Rule) []*Rule {
		caps := platformCaps[c.platform]
		for _, slot := range []string{policydb.SlotSrc, policydb.SlotDst} {
			refs := r.Slot(slot)
			if len(refs) == 0 {
				continue
			}
			kept := refs[:0:0]
			removed := 0
			for _, h := range refs {
				if _, ok := c.db.Lookup(h).(*policydb.MACAddress); ok {
					if slot == policydb.SlotSrc && caps.macSource && r.Direction != "outbound" {
						kept = append(kept, h)
						continue
					}
					removed++
					continue
				}
				kept = append(kept, h)
			}
			if removed > 0 {
				c.warning(r, "mac filter", "%d MAC address match(es) removed from %s slot, not expressible here", removed, slot)
				if len(kept) == 0 {
					r.EmptyRuleElements = true
				}
				r.SetSlot(slot, kept)
			}
		}
		return []*Rule{r}
	})
}

// newDropEmptyStage drops rules whose required slots were emptied by an
// upstream filtering step. Whether that is a warning or an error is governed
// by the firewall's ignore_empty_groups option.
func newDropEmptyStage() Stage {
	return newMapStage("drop empty", func(c *Compiler, r *Rule) []*Rule {
		if !r.EmptyRuleElements {
			return []*Rule{r}
		}
		if c.fwOptions.IgnoreEmptyGroups {
			c.warning(r, "drop empty", "rule dropped: element set became empty after filtering")
		} else {
			c.errorf(r, "drop empty", "rule element set became empty after filtering; enable ignore_empty_groups to compile without it")
		}
		return nil
	})
}
