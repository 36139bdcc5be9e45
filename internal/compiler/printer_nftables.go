package compiler

import (
	"fmt"
	"regexp"
	"strings"

	"grimm.is/floe/internal/policydb"
)

var identifierRegex = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

func isValidIdentifier(s string) bool {
	return identifierRegex.MatchString(s)
}

func quote(s string) string {
	if isValidIdentifier(s) {
		return s
	}
	return fmt.Sprintf("%q", s)
}

// forceQuote always quotes a string; nftables requires quoted identifiers
// for interface names in some positions even when they look plain.
func forceQuote(s string) string {
	return fmt.Sprintf("%q", s)
}

// nftPrinter is the terminal stage for the nftables dialect. It appends one
// statement line per rule to the per-chain collection; the driver wraps the
// collections in table/chain blocks.
type nftPrinter struct {
	BaseStage
	lastLabel string
}

func newNftPrinter() *nftPrinter {
	return &nftPrinter{BaseStage: newBaseStage("print nftables")}
}

func (p *nftPrinter) ProcessNext() bool {
	r := p.pull()
	if r == nil {
		return false
	}
	c := p.comp

	if r.Label != p.lastLabel && r.Label != "" {
		c.output.Append(r.Chain, fmt.Sprintf("# Rule %s", r.Label))
		p.lastLabel = r.Label
	}

	lines, ok := p.render(c, r)
	if !ok {
		return true
	}
	for _, l := range lines {
		c.output.Append(r.Chain, l)
	}
	if r.Comment != "" {
		for _, cl := range strings.Split(r.Comment, "\n") {
			c.output.Append(r.Chain, "# "+cl)
		}
	}
	return true
}

// AccountingReturn renders the counting return statement.
func (p *nftPrinter) AccountingReturn(string) string {
	return "counter return"
}

func (p *nftPrinter) epilog() {}

// ipKeyword returns the address-family match keyword.
func (p *nftPrinter) ipKeyword(c *Compiler) string {
	if c.family == FamilyIPv6 {
		return "ip6"
	}
	return "ip"
}

func (p *nftPrinter) render(c *Compiler, r *Rule) ([]string, bool) {
	var parts []string

	// Interface match.
	switch {
	case r.IfaceIn != "":
		parts = append(parts, "iifname", forceQuote(r.IfaceIn))
	case r.IfaceOut != "":
		parts = append(parts, "oifname", forceQuote(r.IfaceOut))
	default:
		if refs := r.Slot(policydb.SlotItf); len(refs) == 1 {
			if iface, okk := c.db.Lookup(refs[0]).(*policydb.Interface); okk {
				kw := "iifname"
				if r.Chain == "OUTPUT" || r.Chain == "POSTROUTING" {
					kw = "oifname"
				}
				parts = append(parts, kw, forceQuote(iface.Name()))
			}
		}
	}

	srcSlot, dstSlot, srvSlot := policydb.SlotSrc, policydb.SlotDst, policydb.SlotSrv
	if r.Kind == policydb.KindNAT {
		srcSlot, dstSlot, srvSlot = policydb.SlotOSrc, policydb.SlotODst, policydb.SlotOSrv
	}

	svc, ok := p.serviceMatch(c, r, r.Slot(srvSlot), r.Negated(srvSlot))
	if !ok {
		return nil, false
	}
	parts = append(parts, svc...)

	src, ok := p.addrMatch(c, r, srcSlot, true)
	if !ok {
		return nil, false
	}
	parts = append(parts, src...)
	dst, ok := p.addrMatch(c, r, dstSlot, false)
	if !ok {
		return nil, false
	}
	parts = append(parts, dst...)

	if when := r.Slot(policydb.SlotWhen); len(when) > 0 {
		if iv, okk := c.db.Lookup(when[0]).(*policydb.TimeInterval); okk {
			parts = append(parts, p.timeMatch(c, r, iv)...)
		}
	}

	if r.Options.stateMatch != "" {
		parts = append(parts, "ct state "+r.Options.stateMatch)
	} else if r.Kind == policydb.KindPolicy && r.Action == "accept" && !r.Options.Stateless {
		parts = append(parts, "ct state new")
	}

	if r.Options.Limit != "" {
		limit := "limit rate " + r.Options.Limit
		if r.Options.LimitBurst > 0 {
			limit += fmt.Sprintf(" burst %d packets", r.Options.LimitBurst)
		}
		parts = append(parts, limit)
	}

	var lines []string
	line := func(tail ...string) {
		all := append(append([]string{}, parts...), tail...)
		lines = append(lines, strings.Join(all, " "))
	}

	if r.Options.Log || (r.Action == "continue" && r.Options.LogPrefix != "") {
		logStmt := "log"
		if r.Options.LogPrefix != "" {
			logStmt += fmt.Sprintf(" prefix %q", r.Options.LogPrefix+" ")
		}
		if r.Options.LogLevel != "" {
			logStmt += " level " + r.Options.LogLevel
		}
		line(logStmt)
	}
	if r.Options.Tagging && r.Options.TagValue > 0 {
		line(fmt.Sprintf("ct mark set %d", r.Options.TagValue))
	}
	if r.Options.Routing && r.Options.TagValue > 0 {
		line(fmt.Sprintf("meta mark set %d", r.Options.TagValue))
	}
	if r.Options.ClampMSS && r.Action == "accept" {
		line("tcp flags syn tcp option maxseg size set rt mtu")
	}

	target, ok := p.verdict(c, r)
	if !ok {
		return nil, false
	}
	if target != "" {
		line("counter", target)
	}
	return lines, true
}

func (p *nftPrinter) addrMatch(c *Compiler, r *Rule, slot string, isSrc bool) ([]string, bool) {
	refs := r.Slot(slot)
	if len(refs) == 0 {
		return nil, true
	}
	kw := p.ipKeyword(c) + " daddr"
	if isSrc {
		kw = p.ipKeyword(c) + " saddr"
	}
	op := ""
	if r.Negated(slot) {
		op = "!= "
	}

	var elems []string
	for _, h := range refs {
		form, text, text2 := resolveAddr(c, h)
		switch form {
		case addrPlain:
			elems = append(elems, text)
		case addrRange:
			elems = append(elems, text+"-"+text2)
		case addrDNS:
			// No load-time resolution here; names would land in the
			// ruleset verbatim and never match.
			if c.fwOptions.DropDNSNames {
				c.warning(r, p.name, "DNS name %q removed from %s slot, not expressible here", text, slot)
				continue
			}
			c.abort(r, p.name, "DNS name %q cannot be matched here", text)
			return nil, c.testMode
		case addrMAC:
			if isSrc {
				return []string{"ether saddr " + text}, true
			}
			c.errorf(r, p.name, "link-layer destination match is not expressible")
			return nil, false
		case addrSelf:
			// The hook chain already scopes traffic to the firewall.
			continue
		default:
			c.errorf(r, p.name, "no address resolvable for element in %s slot", slot)
			return nil, false
		}
	}
	switch len(elems) {
	case 0:
		return nil, true
	case 1:
		return []string{fmt.Sprintf("%s %s%s", kw, op, elems[0])}, true
	default:
		return []string{fmt.Sprintf("%s %s{ %s }", kw, op, strings.Join(elems, ", "))}, true
	}
}

func (p *nftPrinter) serviceMatch(c *Compiler, r *Rule, refs []policydb.Handle, negated bool) ([]string, bool) {
	if len(refs) == 0 {
		return nil, true
	}
	op := ""
	if negated {
		op = "!= "
	}
	switch s := c.db.Lookup(refs[0]).(type) {
	case *policydb.TCPService, *policydb.UDPService:
		return p.portMatch(c, refs, op)
	case *policydb.ICMPService:
		kw := "icmp"
		if s.V6 {
			kw = "icmpv6"
		}
		out := []string{}
		if s.Type >= 0 {
			out = append(out, fmt.Sprintf("%s type %s%d", kw, op, s.Type))
			if s.Code >= 0 {
				out = append(out, fmt.Sprintf("%s code %d", kw, s.Code))
			}
		} else {
			out = append(out, fmt.Sprintf("meta l4proto %s", kw))
		}
		return out, true
	case *policydb.IPService:
		return []string{fmt.Sprintf("meta l4proto %s%d", op, s.Protocol)}, true
	case *policydb.CustomService:
		code := s.Code["nftables"]
		if code == "" {
			c.abort(r, p.name, "custom service %q has no nftables snippet", s.Name())
			return nil, c.testMode
		}
		return []string{code}, true
	}
	c.errorf(r, p.name, "unsupported service object in rule")
	return nil, false
}

func (p *nftPrinter) portMatch(c *Compiler, refs []policydb.Handle, op string) ([]string, bool) {
	proto := "tcp"
	if _, isUDP := c.db.Lookup(refs[0]).(*policydb.UDPService); isUDP {
		proto = "udp"
	}

	if len(refs) == 1 {
		var src, dst policydb.PortRange
		var flags string
		switch s := c.db.Lookup(refs[0]).(type) {
		case *policydb.TCPService:
			src, dst, flags = s.Src, s.Dst, s.Flags
		case *policydb.UDPService:
			src, dst = s.Src, s.Dst
		}
		var out []string
		if !emptyRange(src) {
			out = append(out, fmt.Sprintf("%s sport %s%s", proto, op, portText(src, "-")))
		}
		if !emptyRange(dst) {
			out = append(out, fmt.Sprintf("%s dport %s%s", proto, op, portText(dst, "-")))
		}
		if flags != "" {
			out = append(out, "tcp flags "+nftFlagSpec(flags))
		}
		if len(out) == 0 {
			out = append(out, "meta l4proto "+proto)
		}
		return out, true
	}

	ports := servicePorts(c, refs, "-")
	return []string{fmt.Sprintf("%s dport %s{ %s }", proto, op, strings.Join(ports, ", "))}, true
}

// nftFlagSpec converts "syn,!ack" into "syn / syn,ack" (set / mask) form.
func nftFlagSpec(spec string) string {
	var mask, set []string
	for _, f := range strings.Split(spec, ",") {
		f = strings.TrimSpace(f)
		neg := strings.HasPrefix(f, "!")
		name := strings.ToLower(strings.TrimPrefix(f, "!"))
		if name == "" {
			continue
		}
		mask = append(mask, name)
		if !neg {
			set = append(set, name)
		}
	}
	if len(set) == 0 {
		return "& (" + strings.Join(mask, "|") + ") == 0x0"
	}
	return strings.Join(set, ",") + " / " + strings.Join(mask, ",")
}

func (p *nftPrinter) verdict(c *Compiler, r *Rule) (string, bool) {
	if r.Kind == policydb.KindNAT {
		return p.natVerdict(c, r)
	}
	switch r.Target {
	case "":
		return "", true
	case "ACCEPT":
		return "accept", true
	case "DROP":
		return "drop", true
	case "REJECT":
		if r.Options.RejectWith != "" {
			return "reject with " + r.Options.RejectWith, true
		}
		return "reject", true
	case "NFQUEUE":
		if r.Options.QueueNum > 0 {
			return fmt.Sprintf("queue num %d", r.Options.QueueNum), true
		}
		return "queue", true
	default:
		return "jump " + quote(r.Target), true
	}
}

func (p *nftPrinter) natVerdict(c *Compiler, r *Rule) (string, bool) {
	port := tsrvPort(c, r)
	switch r.NATType {
	case NoNAT:
		return "accept", true
	case SNAT, SNetNAT:
		addr := translationAddr(c, r.Slot(policydb.SlotTSrc)[0])
		if addr == "" {
			c.errorf(r, p.name, "no address resolvable for translated source")
			return "", false
		}
		return "snat to " + addr, true
	case Masquerade:
		if port != "" {
			return "masquerade to :" + port, true
		}
		return "masquerade", true
	case DNAT, DNetNAT:
		addr := translationAddr(c, r.Slot(policydb.SlotTDst)[0])
		if addr == "" {
			c.errorf(r, p.name, "no address resolvable for translated destination")
			return "", false
		}
		if port != "" {
			addr += ":" + port
		}
		return "dnat to " + addr, true
	case Redirect:
		if port != "" {
			return "redirect to :" + port, true
		}
		return "redirect", true
	case NATBranch:
		return "jump " + quote(r.Target), true
	}
	c.errorf(r, p.name, "unhandled NAT classification %s", r.NATType)
	return "", false
}

func (p *nftPrinter) timeMatch(c *Compiler, r *Rule, iv *policydb.TimeInterval) []string {
	var out []string
	if iv.StartDate != "" || iv.EndDate != "" {
		c.warning(r, p.name, "date bounds on interval %q are not expressible here, only the recurring window is matched", iv.Name())
	}
	if iv.StartTime != "" && iv.EndTime != "" {
		start, end := iv.StartTime, iv.EndTime
		if len(start) == 5 {
			start += ":00"
		}
		if len(end) == 5 {
			end += ":00"
		}
		out = append(out, fmt.Sprintf("meta hour >= %s meta hour < %s", start, end))
	}
	if len(iv.Days) > 0 {
		days := make([]string, len(iv.Days))
		for i, d := range iv.Days {
			days[i] = strings.ToLower(d)
		}
		out = append(out, fmt.Sprintf("meta day { %s }", strings.Join(days, ", ")))
	}
	return out
}
