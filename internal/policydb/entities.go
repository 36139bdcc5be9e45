// Package policydb holds the read-only object model a compilation run works
// against: firewalls, interfaces, address and service objects, groups, time
// intervals, and the rule sets that reference them. Objects are identified by
// opaque handles; rule slots reference handles, never owned copies.
package policydb

import (
	"github.com/google/uuid"
)

// Handle identifies one object in the store. Two slots referencing the same
// underlying entity carry equal handles, which is what deduplication keys on.
type Handle = uuid.UUID

// Object is anything a rule element slot can reference.
type Object interface {
	ID() Handle
	Name() string
	Library() string
}

// Base carries the identity fields shared by every stored object.
type Base struct {
	Handle  Handle
	ObjName string
	Lib     string // library partition, e.g. "User" or "Deleted Objects"
}

func (b *Base) ID() Handle      { return b.Handle }
func (b *Base) Name() string    { return b.ObjName }
func (b *Base) Library() string { return b.Lib }

// Host is a single IP address object.
type Host struct {
	Base
	Address string
}

// Network is a CIDR network object.
type Network struct {
	Base
	CIDR string
}

// AddressRange is an inclusive start-end address range.
type AddressRange struct {
	Base
	Start string
	End   string
}

// DNSName is a runtime-resolved address object. The generated ruleset carries
// the name itself; resolution happens when the ruleset is loaded on the target.
type DNSName struct {
	Base
	FQDN string
}

// InterfaceAddress is an address bound to a firewall interface.
type InterfaceAddress struct {
	Base
	Interface Handle
	Address   string
	PrefixLen int
}

// AttachedNetwork stands for "the network this interface sits on".
type AttachedNetwork struct {
	Base
	Interface Handle
}

// MACAddress is a link-layer address object. Only usable as an inbound source
// match; platforms reject it anywhere else.
type MACAddress struct {
	Base
	HWAddr string
}

// Interface is a firewall interface.
type Interface struct {
	Base
	Firewall    Handle
	Label       string
	Loopback    bool
	Unprotected bool
	Management  bool
	Dynamic     bool
	Addresses   []Handle
}

// PortRange is an inclusive TCP/UDP port span. First == Last for one port.
type PortRange struct {
	First int
	Last  int
}

// Single reports whether the range covers exactly one port.
func (p PortRange) Single() bool { return p.First == p.Last }

// TCPService matches TCP traffic by port ranges and optional flags.
type TCPService struct {
	Base
	Src   PortRange
	Dst   PortRange
	Flags string // e.g. "syn" or "syn,!ack"; empty = no flag match
}

// UDPService matches UDP traffic by port ranges.
type UDPService struct {
	Base
	Src PortRange
	Dst PortRange
}

// ICMPService matches ICMP by type and code. -1 means "any".
type ICMPService struct {
	Base
	Type int
	Code int
	V6   bool
}

// IPService matches a raw IP protocol number.
type IPService struct {
	Base
	Protocol  int
	Fragments bool
}

// CustomService carries a per-platform match snippet pasted verbatim into the
// generated rule. Code is keyed by platform name ("iptables", "nftables").
type CustomService struct {
	Base
	Protocol string // optional l4 protocol the snippet assumes
	Code     map[string]string
}

// Group is an ordered collection of member objects, possibly nested.
type Group struct {
	Base
	Members []Handle
}

// TimeInterval restricts a rule to a recurring time window.
type TimeInterval struct {
	Base
	StartTime string   // "HH:MM", empty = day start
	EndTime   string   // "HH:MM", empty = day end
	StartDate string   // "YYYY-MM-DD", optional
	EndDate   string   // "YYYY-MM-DD", optional
	Days      []string // weekday names, empty = every day
}

// Firewall is the compilation target.
type Firewall struct {
	Base
	Platform   string // "iptables" or "nftables"
	Version    string
	Options    Options
	Interfaces []Handle
	Policy     []*Rule
	NAT        []*Rule
	Routing    []*Rule
}

// RuleKind tags which rule set a rule belongs to.
type RuleKind string

const (
	KindPolicy  RuleKind = "policy"
	KindNAT     RuleKind = "nat"
	KindRouting RuleKind = "routing"
)

// Element slot names. Policy rules use src/dst/srv/itf/when; NAT rules use the
// o*/t* pairs; routing rules use the r* slots.
const (
	SlotSrc  = "src"
	SlotDst  = "dst"
	SlotSrv  = "srv"
	SlotItf  = "itf"
	SlotWhen = "when"

	SlotOSrc = "osrc"
	SlotODst = "odst"
	SlotOSrv = "osrv"
	SlotTSrc = "tsrc"
	SlotTDst = "tdst"
	SlotTSrv = "tsrv"

	SlotRDst = "rdst"
	SlotRGtw = "rgtw"
	SlotRItf = "ritf"
)

// Rule is one persisted rule, as stored. The compiler copies it into its own
// mutable record before touching anything.
type Rule struct {
	Base
	Kind      RuleKind
	Position  int
	GroupTag  string // rule-grid section label
	Disabled  bool
	Comment   string
	Action    string // accept/deny/reject/accounting/pipe/custom/branch/continue | translate/branch
	Direction string // inbound/outbound/both
	Branch    string // target sub-ruleset for branch actions
	Elements  map[string][]Handle
	Negations map[string]bool
	Options   Options
}
