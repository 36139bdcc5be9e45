package compiler

import (
	"fmt"
	"strings"

	"grimm.is/floe/internal/policydb"
)

// routingPrinter is the terminal stage for routing rule sets. Both dialects
// deploy routes through ip(8), so there is one routing renderer. Routes to
// the same destination are buffered and merged into a single equal-cost
// multipath statement in the epilog instead of being emitted one by one.
type routingPrinter struct {
	BaseStage
	order    []string
	buffered map[string]*routeGroup
}

type routeGroup struct {
	rule     *Rule
	nexthops []string
	metric   int
}

func newRoutingPrinter() *routingPrinter {
	return &routingPrinter{
		BaseStage: newBaseStage("print routes"),
		buffered:  make(map[string]*routeGroup),
	}
}

func (p *routingPrinter) AccountingReturn(string) string { return "" }

func (p *routingPrinter) ProcessNext() bool {
	r := p.pull()
	if r == nil {
		return false
	}
	c := p.comp

	dst := "default"
	if refs := r.Slot(policydb.SlotRDst); len(refs) == 1 {
		form, text, text2 := resolveAddr(c, refs[0])
		switch form {
		case addrPlain:
			dst = text
		case addrRange:
			c.errorf(r, p.name, "address range %s-%s cannot be a route destination", text, text2)
			return true
		default:
			c.errorf(r, p.name, "no address resolvable for route destination")
			return true
		}
	}

	var hop []string
	if refs := r.Slot(policydb.SlotRGtw); len(refs) == 1 {
		form, text, _ := resolveAddr(c, refs[0])
		if form != addrPlain {
			c.errorf(r, p.name, "no address resolvable for route gateway")
			return true
		}
		hop = append(hop, "via", text)
	}
	if refs := r.Slot(policydb.SlotRItf); len(refs) == 1 {
		if iface, ok := c.db.Lookup(refs[0]).(*policydb.Interface); ok {
			hop = append(hop, "dev", iface.Name())
		}
	}
	if len(hop) == 0 {
		c.errorf(r, p.name, "route needs a gateway or an interface")
		return true
	}

	g, ok := p.buffered[dst]
	if !ok {
		g = &routeGroup{rule: r, metric: r.Options.Metric}
		p.buffered[dst] = g
		p.order = append(p.order, dst)
	}
	g.nexthops = append(g.nexthops, strings.Join(hop, " "))
	return true
}

// epilog flushes the buffered routes: single-nexthop destinations as plain
// route lines, multi-nexthop destinations as one nexthop-list line.
func (p *routingPrinter) epilog() {
	c := p.comp
	ip := "$IP route add"
	if c.family == FamilyIPv6 {
		ip = "$IP -6 route add"
	}
	for _, dst := range p.order {
		g := p.buffered[dst]
		var line string
		if len(g.nexthops) == 1 {
			line = fmt.Sprintf("%s %s %s", ip, dst, g.nexthops[0])
		} else {
			hops := make([]string, len(g.nexthops))
			for i, h := range g.nexthops {
				hops[i] = "nexthop " + h
			}
			line = fmt.Sprintf("%s %s %s", ip, dst, strings.Join(hops, " "))
		}
		if g.metric > 0 {
			line += fmt.Sprintf(" metric %d", g.metric)
		}
		if g.rule.Label != "" {
			c.output.Append("routes", "# Rule "+g.rule.Label)
		}
		c.output.Append("routes", line)
	}
}
