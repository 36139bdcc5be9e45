package compiler

import (
	"fmt"
	"strings"

	"grimm.is/floe/internal/policydb"
)

// iptablesPrinter is the terminal stage for the iptables-shell dialect. It
// consumes the normalized atomic rule stream and appends one shell command
// per rule to the per-chain output collection.
type iptablesPrinter struct {
	BaseStage
	lastLabel string
}

func newIptablesPrinter() *iptablesPrinter {
	return &iptablesPrinter{BaseStage: newBaseStage("print iptables")}
}

func (p *iptablesPrinter) ProcessNext() bool {
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

func (p *iptablesPrinter) cmd(c *Compiler) string {
	if c.family == FamilyIPv6 {
		return "$IP6TABLES"
	}
	return "$IPTABLES"
}

// AccountingReturn renders the return line for a counting chain.
func (p *iptablesPrinter) AccountingReturn(chain string) string {
	return fmt.Sprintf("%s -A %s -j RETURN", p.cmd(p.comp), chain)
}

func (p *iptablesPrinter) epilog() {}

func (p *iptablesPrinter) render(c *Compiler, r *Rule) ([]string, bool) {
	var match []string

	// Interface match. The chain decides the direction of a "both" rule.
	ifaceFlag := "-i"
	if r.Chain == "OUTPUT" || r.Chain == "POSTROUTING" {
		ifaceFlag = "-o"
	}
	switch {
	case r.IfaceIn != "":
		match = append(match, "-i", r.IfaceIn)
	case r.IfaceOut != "":
		match = append(match, "-o", r.IfaceOut)
	default:
		if refs := r.Slot(policydb.SlotItf); len(refs) == 1 {
			if iface, okk := c.db.Lookup(refs[0]).(*policydb.Interface); okk {
				match = append(match, ifaceFlag, iface.Name())
			}
		}
	}

	// Protocol and ports.
	srvSlot := policydb.SlotSrv
	if r.Kind == policydb.KindNAT {
		srvSlot = policydb.SlotOSrv
	}
	svc, ok := p.serviceMatch(c, r, r.Slot(srvSlot))
	if !ok {
		return nil, false
	}
	match = append(match, svc...)

	// Addresses.
	srcSlot, dstSlot := policydb.SlotSrc, policydb.SlotDst
	if r.Kind == policydb.KindNAT {
		srcSlot, dstSlot = policydb.SlotOSrc, policydb.SlotODst
	}
	src, ok := p.addrMatch(c, r, srcSlot, true)
	if !ok {
		return nil, false
	}
	match = append(match, src...)
	dst, ok := p.addrMatch(c, r, dstSlot, false)
	if !ok {
		return nil, false
	}
	match = append(match, dst...)

	// Time window.
	if when := r.Slot(policydb.SlotWhen); len(when) > 0 {
		if iv, okk := c.db.Lookup(when[0]).(*policydb.TimeInterval); okk {
			match = append(match, p.timeMatch(iv)...)
		}
	}

	// Connection state.
	if r.Options.stateMatch != "" {
		match = append(match, "-m", "state", "--state", strings.ToUpper(r.Options.stateMatch))
	} else if r.Kind == policydb.KindPolicy && r.Action == "accept" && !r.Options.Stateless {
		match = append(match, "-m", "state", "--state", "NEW")
	}

	if r.Options.Limit != "" {
		match = append(match, "-m", "limit", "--limit", r.Options.Limit)
		if r.Options.LimitBurst > 0 {
			match = append(match, "--limit-burst", fmt.Sprintf("%d", r.Options.LimitBurst))
		}
	}

	prefix := []string{p.cmd(c)}
	if r.Kind == policydb.KindNAT {
		prefix = append(prefix, "-t", "nat")
	}
	prefix = append(prefix, "-A", r.Chain)

	var lines []string
	line := func(parts ...string) {
		all := append(append(append([]string{}, prefix...), match...), parts...)
		lines = append(lines, strings.Join(all, " "))
	}

	if r.Options.Log || (r.Action == "continue" && r.Options.LogPrefix != "") {
		logParts := []string{"-j", "LOG"}
		if r.Options.LogPrefix != "" {
			logParts = append(logParts, "--log-prefix", fmt.Sprintf("%q", r.Options.LogPrefix+" "))
		}
		if r.Options.LogLevel != "" {
			logParts = append(logParts, "--log-level", r.Options.LogLevel)
		}
		line(logParts...)
	}
	if r.Options.Tagging && r.Options.TagValue > 0 {
		line("-j", "CONNMARK", "--set-mark", fmt.Sprintf("%d", r.Options.TagValue))
	}
	if r.Options.Routing && r.Options.TagValue > 0 {
		line("-j", "MARK", "--set-mark", fmt.Sprintf("%d", r.Options.TagValue))
	}
	if r.Options.Classify != "" {
		line("-j", "CLASSIFY", "--set-class", r.Options.Classify)
	}
	if r.Options.ClampMSS && r.Action == "accept" {
		line("-p", "tcp", "--tcp-flags", "SYN,RST", "SYN", "-j", "TCPMSS", "--clamp-mss-to-pmtu")
	}

	target, ok := p.targetArgs(c, r)
	if !ok {
		return nil, false
	}
	if len(target) > 0 {
		line(target...)
	}
	return lines, true
}

func (p *iptablesPrinter) addrMatch(c *Compiler, r *Rule, slot string, isSrc bool) ([]string, bool) {
	refs := r.Slot(slot)
	if len(refs) == 0 {
		return nil, true
	}
	// Atomic expansion left exactly one element per address slot.
	form, text, text2 := resolveAddr(c, refs[0])
	neg := r.Negated(slot)

	flag := "-d"
	rangeFlag := "--dst-range"
	if isSrc {
		flag = "-s"
		rangeFlag = "--src-range"
	}
	switch form {
	case addrPlain, addrDNS:
		// iptables resolves hostnames when the script loads.
		if neg {
			return []string{"!", flag, text}, true
		}
		return []string{flag, text}, true
	case addrRange:
		out := []string{"-m", "iprange"}
		if neg {
			out = append(out, "!")
		}
		return append(out, rangeFlag, text+"-"+text2), true
	case addrMAC:
		return []string{"-m", "mac", "--mac-source", text}, true
	case addrSelf:
		// The chain already restricts the conversation to the firewall.
		return nil, true
	default:
		c.errorf(r, p.name, "no address resolvable for element in %s slot", slot)
		return nil, false
	}
}

func (p *iptablesPrinter) serviceMatch(c *Compiler, r *Rule, refs []policydb.Handle) ([]string, bool) {
	if len(refs) == 0 {
		return nil, true
	}
	switch s := c.db.Lookup(refs[0]).(type) {
	case *policydb.TCPService, *policydb.UDPService:
		return p.portMatch(c, r, refs)
	case *policydb.ICMPService:
		if s.V6 {
			out := []string{"-p", "ipv6-icmp"}
			if s.Type >= 0 {
				out = append(out, "--icmpv6-type", icmpTypeText(s))
			}
			return out, true
		}
		out := []string{"-p", "icmp"}
		if s.Type >= 0 {
			out = append(out, "--icmp-type", icmpTypeText(s))
		}
		return out, true
	case *policydb.IPService:
		out := []string{"-p", fmt.Sprintf("%d", s.Protocol)}
		if s.Fragments {
			out = append(out, "-f")
		}
		return out, true
	case *policydb.CustomService:
		code := s.Code["iptables"]
		if code == "" {
			c.abort(r, p.name, "custom service %q has no iptables snippet", s.Name())
			return nil, c.testMode
		}
		return strings.Fields(code), true
	}
	c.errorf(r, p.name, "unsupported service object in rule")
	return nil, false
}

func icmpTypeText(s *policydb.ICMPService) string {
	if s.Code >= 0 {
		return fmt.Sprintf("%d/%d", s.Type, s.Code)
	}
	return fmt.Sprintf("%d", s.Type)
}

func (p *iptablesPrinter) portMatch(c *Compiler, r *Rule, refs []policydb.Handle) ([]string, bool) {
	proto := "tcp"
	if _, isUDP := c.db.Lookup(refs[0]).(*policydb.UDPService); isUDP {
		proto = "udp"
	}
	out := []string{"-p", proto}

	if len(refs) == 1 {
		var src, dst policydb.PortRange
		var flags string
		switch s := c.db.Lookup(refs[0]).(type) {
		case *policydb.TCPService:
			src, dst, flags = s.Src, s.Dst, s.Flags
		case *policydb.UDPService:
			src, dst = s.Src, s.Dst
		}
		if !emptyRange(src) {
			out = append(out, "--sport", portText(src, ":"))
		}
		if !emptyRange(dst) {
			out = append(out, "--dport", portText(dst, ":"))
		}
		if flags != "" {
			mask, comp := tcpFlagSpec(flags)
			out = append(out, "--tcp-flags", mask, comp)
		}
		return out, true
	}

	ports := servicePorts(c, refs, ":")
	out = append(out, "-m", "multiport", "--dports", strings.Join(ports, ","))
	return out, true
}

func portText(pr policydb.PortRange, sep string) string {
	if pr.Single() {
		return fmt.Sprintf("%d", pr.First)
	}
	return fmt.Sprintf("%d%s%d", pr.First, sep, pr.Last)
}

// tcpFlagSpec converts "syn,!ack" into iptables mask/comp form:
// mask lists every named flag, comp only the asserted ones.
func tcpFlagSpec(spec string) (mask, comp string) {
	var maskList, compList []string
	for _, f := range strings.Split(spec, ",") {
		f = strings.TrimSpace(f)
		neg := strings.HasPrefix(f, "!")
		name := strings.ToUpper(strings.TrimPrefix(f, "!"))
		if name == "" {
			continue
		}
		maskList = append(maskList, name)
		if !neg {
			compList = append(compList, name)
		}
	}
	if len(compList) == 0 {
		compList = []string{"NONE"}
	}
	return strings.Join(maskList, ","), strings.Join(compList, ",")
}

func (p *iptablesPrinter) targetArgs(c *Compiler, r *Rule) ([]string, bool) {
	if r.Kind == policydb.KindNAT {
		return p.natTarget(c, r)
	}
	switch r.Target {
	case "":
		return nil, true
	case "REJECT":
		out := []string{"-j", "REJECT"}
		if r.Options.RejectWith != "" {
			out = append(out, "--reject-with", r.Options.RejectWith)
		}
		return out, true
	case "NFQUEUE":
		out := []string{"-j", "NFQUEUE"}
		if r.Options.QueueNum > 0 {
			out = append(out, "--queue-num", fmt.Sprintf("%d", r.Options.QueueNum))
		}
		return out, true
	default:
		return []string{"-j", r.Target}, true
	}
}

func (p *iptablesPrinter) natTarget(c *Compiler, r *Rule) ([]string, bool) {
	port := tsrvPort(c, r)
	switch r.NATType {
	case NoNAT:
		return []string{"-j", "ACCEPT"}, true
	case SNAT:
		addr := translationAddr(c, r.Slot(policydb.SlotTSrc)[0])
		if addr == "" {
			c.errorf(r, p.name, "no address resolvable for translated source")
			return nil, false
		}
		return []string{"-j", "SNAT", "--to-source", addr}, true
	case SNetNAT:
		addr := translationAddr(c, r.Slot(policydb.SlotTSrc)[0])
		return []string{"-j", "NETMAP", "--to", addr}, true
	case Masquerade:
		out := []string{"-j", "MASQUERADE"}
		if port != "" {
			out = append(out, "--to-ports", port)
		}
		return out, true
	case DNAT:
		addr := translationAddr(c, r.Slot(policydb.SlotTDst)[0])
		if addr == "" {
			c.errorf(r, p.name, "no address resolvable for translated destination")
			return nil, false
		}
		if port != "" {
			addr += ":" + port
		}
		return []string{"-j", "DNAT", "--to-destination", addr}, true
	case DNetNAT:
		addr := translationAddr(c, r.Slot(policydb.SlotTDst)[0])
		return []string{"-j", "NETMAP", "--to", addr}, true
	case Redirect:
		out := []string{"-j", "REDIRECT"}
		if port != "" {
			out = append(out, "--to-ports", port)
		}
		return out, true
	case NATBranch:
		return []string{"-j", r.Target}, true
	}
	c.errorf(r, p.name, "unhandled NAT classification %s", r.NATType)
	return nil, false
}

func (p *iptablesPrinter) timeMatch(iv *policydb.TimeInterval) []string {
	out := []string{"-m", "time"}
	if iv.StartTime != "" {
		out = append(out, "--timestart", iv.StartTime)
	}
	if iv.EndTime != "" {
		out = append(out, "--timestop", iv.EndTime)
	}
	if iv.StartDate != "" {
		out = append(out, "--datestart", iv.StartDate)
	}
	if iv.EndDate != "" {
		out = append(out, "--datestop", iv.EndDate)
	}
	if len(iv.Days) > 0 {
		days := make([]string, len(iv.Days))
		for i, d := range iv.Days {
			days[i] = weekdayAbbrev(d)
		}
		out = append(out, "--weekdays", strings.Join(days, ","))
	}
	return out
}
