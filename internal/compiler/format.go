package compiler

import (
	"fmt"
	"net"
	"strings"

	"grimm.is/floe/internal/policydb"
)

// addrText resolves an address object to its literal text form: a single
// address, a CIDR, or (for ranges) a "start-end" pair the caller renders in
// the platform's range syntax. Returns ok=false for objects that need
// special handling (MAC, range, self).
type addrForm int

const (
	addrPlain addrForm = iota // single address or CIDR
	addrRange                 // start-end
	addrMAC
	addrDNS  // runtime-resolved name, only some dialects can carry it
	addrSelf // the compiling firewall itself; the chain already implies it
	addrBad
)

func resolveAddr(c *Compiler, h policydb.Handle) (form addrForm, text, text2 string) {
	obj := c.db.Lookup(h)
	switch o := obj.(type) {
	case *policydb.Host:
		return addrPlain, o.Address, ""
	case *policydb.Network:
		return addrPlain, o.CIDR, ""
	case *policydb.AddressRange:
		return addrRange, o.Start, o.End
	case *policydb.DNSName:
		return addrDNS, o.FQDN, ""
	case *policydb.InterfaceAddress:
		return addrPlain, o.Address, ""
	case *policydb.AttachedNetwork:
		if cidr := attachedNetworkCIDR(c, o); cidr != "" {
			return addrPlain, cidr, ""
		}
		return addrBad, "", ""
	case *policydb.MACAddress:
		return addrMAC, o.HWAddr, ""
	case *policydb.Interface:
		if o.Firewall == c.fw.ID() {
			return addrSelf, "", ""
		}
		return addrBad, "", ""
	case *policydb.Firewall:
		if o.ID() == c.fw.ID() {
			return addrSelf, "", ""
		}
		return addrBad, "", ""
	}
	return addrBad, "", ""
}

// attachedNetworkCIDR derives the network an interface sits on from its
// first address in the compiling family.
func attachedNetworkCIDR(c *Compiler, an *policydb.AttachedNetwork) string {
	iface := c.db.OwnerInterface(an)
	if iface == nil {
		return ""
	}
	for _, addr := range c.db.AddressesOf(iface) {
		isV6 := strings.Contains(addr.Address, ":")
		if (c.family == FamilyIPv6) != isV6 {
			continue
		}
		bits := 32
		if isV6 {
			bits = 128
		}
		plen := addr.PrefixLen
		if plen <= 0 || plen > bits {
			continue
		}
		ip := net.ParseIP(addr.Address)
		if ip == nil {
			continue
		}
		network := ip.Mask(net.CIDRMask(plen, bits))
		return fmt.Sprintf("%s/%d", network, plen)
	}
	return ""
}

// ifaceAddrText returns the first address of an interface in the compiling
// family, used by translation targets referencing an interface.
func ifaceAddrText(c *Compiler, iface *policydb.Interface) string {
	for _, addr := range c.db.AddressesOf(iface) {
		isV6 := strings.Contains(addr.Address, ":")
		if (c.family == FamilyIPv6) == isV6 {
			return addr.Address
		}
	}
	return ""
}

// translationAddr resolves a translated-slot element to the address text a
// NAT target needs. Interfaces and interface addresses resolve to the
// interface's address.
func translationAddr(c *Compiler, h policydb.Handle) string {
	switch o := c.db.Lookup(h).(type) {
	case *policydb.Host:
		return o.Address
	case *policydb.Network:
		return o.CIDR
	case *policydb.AddressRange:
		return o.Start + "-" + o.End
	case *policydb.InterfaceAddress:
		return o.Address
	case *policydb.Interface:
		return ifaceAddrText(c, o)
	case *policydb.Firewall:
		return ""
	}
	return ""
}

// servicePorts renders a port list for dst-port-only tcp/udp services:
// single ports as "80", ranges as "8000<sep>8080".
func servicePorts(c *Compiler, refs []policydb.Handle, rangeSep string) []string {
	out := make([]string, 0, len(refs))
	for _, h := range refs {
		var dst policydb.PortRange
		switch s := c.db.Lookup(h).(type) {
		case *policydb.TCPService:
			dst = s.Dst
		case *policydb.UDPService:
			dst = s.Dst
		default:
			continue
		}
		if dst.Single() {
			out = append(out, fmt.Sprintf("%d", dst.First))
		} else {
			out = append(out, fmt.Sprintf("%d%s%d", dst.First, rangeSep, dst.Last))
		}
	}
	return out
}

// tsrvPort returns the translated-service port text for NAT targets, empty
// when the translated service slot is empty. A translation target carries
// exactly one port; extra elements are reported and skipped.
func tsrvPort(c *Compiler, r *Rule) string {
	refs := r.Slot(policydb.SlotTSrv)
	if len(refs) == 0 {
		return ""
	}
	if len(refs) > 1 {
		c.warning(r, "nat target", "translated service holds %d objects, only the first is used", len(refs))
	}
	ports := servicePorts(c, refs[:1], "-")
	if len(ports) == 0 {
		return ""
	}
	return ports[0]
}

// weekdayAbbrev maps weekday names to the three-letter forms iptables'
// time match wants.
func weekdayAbbrev(day string) string {
	if len(day) >= 3 {
		return strings.ToUpper(day[:1]) + strings.ToLower(day[1:3])
	}
	return day
}
