package policydb

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
)

// HCL schema. Every block label becomes the object name; slots in rule blocks
// reference objects by name and are resolved to handles after decoding.

type fileHCL struct {
	Vars      *varsHCL      `hcl:"vars,block"`
	Hosts     []hostHCL     `hcl:"host,block"`
	Networks  []networkHCL  `hcl:"network,block"`
	Ranges    []rangeHCL    `hcl:"range,block"`
	DNSNames  []dnsNameHCL  `hcl:"dnsname,block"`
	MACs      []macHCL      `hcl:"mac,block"`
	Groups    []groupHCL    `hcl:"group,block"`
	Services  []serviceHCL  `hcl:"service,block"`
	Intervals []intervalHCL `hcl:"interval,block"`
	Firewalls []firewallHCL `hcl:"firewall,block"`
}

type varsHCL struct {
	Body hcl.Body `hcl:",remain"`
}

type hostHCL struct {
	Name    string `hcl:"name,label"`
	Address string `hcl:"address"`
	Library string `hcl:"library,optional"`
}

type networkHCL struct {
	Name    string `hcl:"name,label"`
	CIDR    string `hcl:"cidr"`
	Library string `hcl:"library,optional"`
}

type rangeHCL struct {
	Name    string `hcl:"name,label"`
	Start   string `hcl:"start"`
	End     string `hcl:"end"`
	Library string `hcl:"library,optional"`
}

type dnsNameHCL struct {
	Name    string `hcl:"name,label"`
	FQDN    string `hcl:"fqdn"`
	Library string `hcl:"library,optional"`
}

type macHCL struct {
	Name    string `hcl:"name,label"`
	Address string `hcl:"address"`
	Library string `hcl:"library,optional"`
}

type groupHCL struct {
	Name    string   `hcl:"name,label"`
	Members []string `hcl:"members"`
	Library string   `hcl:"library,optional"`
}

type serviceHCL struct {
	Kind     string            `hcl:"kind,label"` // tcp, udp, icmp, icmp6, ip, custom
	Name     string            `hcl:"name,label"`
	Source   string            `hcl:"source,optional"` // port or "a-b"
	Dest     string            `hcl:"dest,optional"`
	Flags    string            `hcl:"flags,optional"` // tcp only
	Type     *int              `hcl:"type,optional"`  // icmp
	Code     *int              `hcl:"code,optional"`  // icmp
	Protocol int               `hcl:"protocol,optional"`
	Proto    string            `hcl:"proto,optional"`    // custom: l4 protocol the snippet assumes
	Snippets map[string]string `hcl:"snippets,optional"` // custom, keyed by platform
	Library  string            `hcl:"library,optional"`
}

type intervalHCL struct {
	Name      string   `hcl:"name,label"`
	Start     string   `hcl:"start,optional"`
	End       string   `hcl:"end,optional"`
	StartDate string   `hcl:"start_date,optional"`
	EndDate   string   `hcl:"end_date,optional"`
	Days      []string `hcl:"days,optional"`
}

type ifaceAddrHCL struct {
	Name   string `hcl:"name,label"`
	IP     string `hcl:"ip"`
	Prefix int    `hcl:"prefix,optional"`
}

type ifaceHCL struct {
	Name        string         `hcl:"name,label"`
	Label       string         `hcl:"label,optional"`
	Loopback    bool           `hcl:"loopback,optional"`
	Unprotected bool           `hcl:"unprotected,optional"`
	Management  bool           `hcl:"management,optional"`
	Dynamic     bool           `hcl:"dynamic,optional"`
	Addresses   []ifaceAddrHCL `hcl:"address,block"`
}

type ruleHCL struct {
	Name      string            `hcl:"name,label"`
	Disabled  bool              `hcl:"disabled,optional"`
	Group     string            `hcl:"group,optional"`
	Comment   string            `hcl:"comment,optional"`
	Action    string            `hcl:"action,optional"`
	Direction string            `hcl:"direction,optional"`
	Branch    string            `hcl:"branch,optional"`
	Options   map[string]string `hcl:"options,optional"`

	Src      []string `hcl:"src,optional"`
	Dst      []string `hcl:"dst,optional"`
	Services []string `hcl:"services,optional"`
	Itf      []string `hcl:"interfaces,optional"`
	When     []string `hcl:"when,optional"`

	OSrc []string `hcl:"osrc,optional"`
	ODst []string `hcl:"odst,optional"`
	OSrv []string `hcl:"osrv,optional"`
	TSrc []string `hcl:"tsrc,optional"`
	TDst []string `hcl:"tdst,optional"`
	TSrv []string `hcl:"tsrv,optional"`

	RDst []string `hcl:"rdst,optional"`
	RGtw []string `hcl:"rgtw,optional"`
	RItf []string `hcl:"ritf,optional"`

	NegateSrc  bool `hcl:"negate_src,optional"`
	NegateDst  bool `hcl:"negate_dst,optional"`
	NegateSrv  bool `hcl:"negate_srv,optional"`
	NegateItf  bool `hcl:"negate_itf,optional"`
	NegateWhen bool `hcl:"negate_when,optional"`
}

type ruleSetHCL struct {
	Rules []ruleHCL `hcl:"rule,block"`
}

type firewallHCL struct {
	Name       string            `hcl:"name,label"`
	Platform   string            `hcl:"platform"`
	Version    string            `hcl:"version,optional"`
	Options    map[string]string `hcl:"options,optional"`
	Interfaces []ifaceHCL        `hcl:"interface,block"`
	Policy     *ruleSetHCL       `hcl:"policy,block"`
	NAT        *ruleSetHCL       `hcl:"nat,block"`
	Routing    *ruleSetHCL       `hcl:"routing,block"`
}

// LoadFile loads a policy file into a fresh store. The built-in service
// library is registered first so rules can reference well-known services
// without declaring them.
func LoadFile(path string) (*DB, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	return LoadBytes(path, data)
}

// LoadBytes loads a policy from raw HCL.
func LoadBytes(filename string, data []byte) (*DB, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse policy: %s", diags.Error())
	}

	ctx, err := buildEvalContext(file.Body)
	if err != nil {
		return nil, err
	}

	var raw fileHCL
	if diags := gohcl.DecodeBody(file.Body, ctx, &raw); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode policy: %s", diags.Error())
	}

	db := NewDB()
	if err := RegisterStandardServices(db); err != nil {
		return nil, err
	}
	ld := &loader{db: db}
	if err := ld.load(&raw); err != nil {
		return nil, err
	}
	return db, nil
}

// buildEvalContext evaluates the vars block (if any) into a "var" object so
// later expressions can reference var.<name>.
func buildEvalContext(body hcl.Body) (*hcl.EvalContext, error) {
	content, _, diags := body.PartialContent(&hcl.BodySchema{
		Blocks: []hcl.BlockHeaderSchema{{Type: "vars"}},
	})
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to read vars: %s", diags.Error())
	}

	vals := make(map[string]cty.Value)
	for _, block := range content.Blocks {
		attrs, diags := block.Body.JustAttributes()
		if diags.HasErrors() {
			return nil, fmt.Errorf("failed to read vars: %s", diags.Error())
		}
		for name, attr := range attrs {
			v, diags := attr.Expr.Value(nil)
			if diags.HasErrors() {
				return nil, fmt.Errorf("failed to evaluate var %q: %s", name, diags.Error())
			}
			vals[name] = v
		}
	}

	ctx := &hcl.EvalContext{Variables: map[string]cty.Value{}}
	if len(vals) > 0 {
		ctx.Variables["var"] = cty.ObjectVal(vals)
	}
	return ctx, nil
}

type loader struct {
	db *DB
}

func (ld *loader) register(obj Object, name string) error {
	if name != "" && ld.db.LookupName(name) != nil {
		return fmt.Errorf("duplicate object name %q", name)
	}
	ld.db.Add(obj)
	return nil
}

func newBase(name, library string) Base {
	return Base{Handle: uuid.New(), ObjName: name, Lib: library}
}

func (ld *loader) load(raw *fileHCL) error {
	for _, h := range raw.Hosts {
		if net.ParseIP(h.Address) == nil {
			return fmt.Errorf("host %q: invalid address %q", h.Name, h.Address)
		}
		if err := ld.register(&Host{Base: newBase(h.Name, h.Library), Address: h.Address}, h.Name); err != nil {
			return err
		}
	}
	for _, n := range raw.Networks {
		if _, _, err := net.ParseCIDR(n.CIDR); err != nil {
			return fmt.Errorf("network %q: invalid cidr %q", n.Name, n.CIDR)
		}
		if err := ld.register(&Network{Base: newBase(n.Name, n.Library), CIDR: n.CIDR}, n.Name); err != nil {
			return err
		}
	}
	for _, r := range raw.Ranges {
		if net.ParseIP(r.Start) == nil || net.ParseIP(r.End) == nil {
			return fmt.Errorf("range %q: invalid bounds", r.Name)
		}
		if err := ld.register(&AddressRange{Base: newBase(r.Name, r.Library), Start: r.Start, End: r.End}, r.Name); err != nil {
			return err
		}
	}
	for _, d := range raw.DNSNames {
		if err := ld.register(&DNSName{Base: newBase(d.Name, d.Library), FQDN: d.FQDN}, d.Name); err != nil {
			return err
		}
	}
	for _, m := range raw.MACs {
		if _, err := net.ParseMAC(m.Address); err != nil {
			return fmt.Errorf("mac %q: %w", m.Name, err)
		}
		if err := ld.register(&MACAddress{Base: newBase(m.Name, m.Library), HWAddr: m.Address}, m.Name); err != nil {
			return err
		}
	}
	for _, s := range raw.Services {
		obj, err := ld.buildService(s)
		if err != nil {
			return err
		}
		if err := ld.register(obj, s.Name); err != nil {
			return err
		}
	}
	for _, iv := range raw.Intervals {
		obj := &TimeInterval{
			Base:      newBase(iv.Name, ""),
			StartTime: iv.Start,
			EndTime:   iv.End,
			StartDate: iv.StartDate,
			EndDate:   iv.EndDate,
			Days:      iv.Days,
		}
		if err := ld.register(obj, iv.Name); err != nil {
			return err
		}
	}

	// Firewalls and their interfaces register before groups and rules so
	// members and slots can reference them.
	for _, f := range raw.Firewalls {
		if err := ld.loadFirewallShell(f); err != nil {
			return err
		}
	}
	for _, g := range raw.Groups {
		members := make([]Handle, 0, len(g.Members))
		for _, name := range g.Members {
			obj := ld.db.LookupName(name)
			if obj == nil {
				return fmt.Errorf("group %q: unknown member %q", g.Name, name)
			}
			members = append(members, obj.ID())
		}
		if err := ld.register(&Group{Base: newBase(g.Name, g.Library), Members: members}, g.Name); err != nil {
			return err
		}
	}
	for _, f := range raw.Firewalls {
		if err := ld.loadRuleSets(f); err != nil {
			return err
		}
	}
	return nil
}

func (ld *loader) buildService(s serviceHCL) (Object, error) {
	switch s.Kind {
	case "tcp", "udp":
		src, err := parsePortSpec(s.Source)
		if err != nil {
			return nil, fmt.Errorf("service %q: bad source port: %w", s.Name, err)
		}
		dst, err := parsePortSpec(s.Dest)
		if err != nil {
			return nil, fmt.Errorf("service %q: bad dest port: %w", s.Name, err)
		}
		if s.Kind == "tcp" {
			return &TCPService{Base: newBase(s.Name, s.Library), Src: src, Dst: dst, Flags: s.Flags}, nil
		}
		return &UDPService{Base: newBase(s.Name, s.Library), Src: src, Dst: dst}, nil
	case "icmp", "icmp6":
		t, c := -1, -1
		if s.Type != nil {
			t = *s.Type
		}
		if s.Code != nil {
			c = *s.Code
		}
		return &ICMPService{Base: newBase(s.Name, s.Library), Type: t, Code: c, V6: s.Kind == "icmp6"}, nil
	case "ip":
		if s.Protocol <= 0 || s.Protocol > 255 {
			return nil, fmt.Errorf("service %q: invalid protocol number %d", s.Name, s.Protocol)
		}
		return &IPService{Base: newBase(s.Name, s.Library), Protocol: s.Protocol}, nil
	case "custom":
		if len(s.Snippets) == 0 {
			return nil, fmt.Errorf("service %q: custom service needs snippets", s.Name)
		}
		return &CustomService{Base: newBase(s.Name, s.Library), Protocol: s.Proto, Code: s.Snippets}, nil
	default:
		return nil, fmt.Errorf("service %q: unknown kind %q", s.Name, s.Kind)
	}
}

func (ld *loader) loadFirewallShell(f firewallHCL) error {
	switch f.Platform {
	case "iptables", "nftables":
	default:
		return fmt.Errorf("firewall %q: unsupported platform %q", f.Name, f.Platform)
	}
	fw := &Firewall{
		Base:     newBase(f.Name, ""),
		Platform: f.Platform,
		Version:  f.Version,
		Options:  Options(f.Options),
	}
	if fw.Options == nil {
		fw.Options = Options{}
	}
	if err := ld.register(fw, f.Name); err != nil {
		return err
	}
	for _, ih := range f.Interfaces {
		iface := &Interface{
			Base:        newBase(ih.Name, ""),
			Firewall:    fw.ID(),
			Label:       ih.Label,
			Loopback:    ih.Loopback,
			Unprotected: ih.Unprotected,
			Management:  ih.Management,
			Dynamic:     ih.Dynamic,
		}
		if err := ld.register(iface, ih.Name); err != nil {
			return err
		}
		for _, ah := range ih.Addresses {
			if net.ParseIP(ah.IP) == nil {
				return fmt.Errorf("interface %q: invalid address %q", ih.Name, ah.IP)
			}
			addr := &InterfaceAddress{
				Base:      newBase(ah.Name, ""),
				Interface: iface.ID(),
				Address:   ah.IP,
				PrefixLen: ah.Prefix,
			}
			if err := ld.register(addr, ah.Name); err != nil {
				return err
			}
			iface.Addresses = append(iface.Addresses, addr.ID())
		}
		fw.Interfaces = append(fw.Interfaces, iface.ID())
	}
	return nil
}

func (ld *loader) loadRuleSets(f firewallHCL) error {
	obj := ld.db.LookupName(f.Name)
	fw := obj.(*Firewall)

	load := func(set *ruleSetHCL, kind RuleKind) ([]*Rule, error) {
		if set == nil {
			return nil, nil
		}
		out := make([]*Rule, 0, len(set.Rules))
		for i, rh := range set.Rules {
			r, err := ld.buildRule(rh, kind, i)
			if err != nil {
				return nil, fmt.Errorf("firewall %q: %w", f.Name, err)
			}
			out = append(out, r)
		}
		return out, nil
	}

	var err error
	if fw.Policy, err = load(f.Policy, KindPolicy); err != nil {
		return err
	}
	if fw.NAT, err = load(f.NAT, KindNAT); err != nil {
		return err
	}
	if fw.Routing, err = load(f.Routing, KindRouting); err != nil {
		return err
	}
	return nil
}

func (ld *loader) buildRule(rh ruleHCL, kind RuleKind, pos int) (*Rule, error) {
	r := &Rule{
		Base:      newBase(rh.Name, ""),
		Kind:      kind,
		Position:  pos,
		GroupTag:  rh.Group,
		Disabled:  rh.Disabled,
		Comment:   rh.Comment,
		Action:    rh.Action,
		Direction: rh.Direction,
		Branch:    rh.Branch,
		Elements:  make(map[string][]Handle),
		Negations: make(map[string]bool),
		Options:   Options(rh.Options),
	}
	if r.Options == nil {
		r.Options = Options{}
	}
	if r.Action == "" {
		switch kind {
		case KindNAT:
			r.Action = "translate"
		case KindRouting:
			r.Action = "route"
		default:
			r.Action = "deny"
		}
	}
	if r.Direction == "" {
		r.Direction = "both"
	}

	slots := []struct {
		slot  string
		names []string
	}{
		{SlotSrc, rh.Src}, {SlotDst, rh.Dst}, {SlotSrv, rh.Services},
		{SlotItf, rh.Itf}, {SlotWhen, rh.When},
		{SlotOSrc, rh.OSrc}, {SlotODst, rh.ODst}, {SlotOSrv, rh.OSrv},
		{SlotTSrc, rh.TSrc}, {SlotTDst, rh.TDst}, {SlotTSrv, rh.TSrv},
		{SlotRDst, rh.RDst}, {SlotRGtw, rh.RGtw}, {SlotRItf, rh.RItf},
	}
	for _, s := range slots {
		for _, name := range s.names {
			if name == "any" {
				continue
			}
			obj := ld.db.LookupName(name)
			if obj == nil {
				return nil, fmt.Errorf("rule %q: unknown object %q in %s", rh.Name, name, s.slot)
			}
			r.Elements[s.slot] = append(r.Elements[s.slot], obj.ID())
		}
	}
	r.Negations[SlotSrc] = rh.NegateSrc
	r.Negations[SlotDst] = rh.NegateDst
	r.Negations[SlotSrv] = rh.NegateSrv
	r.Negations[SlotItf] = rh.NegateItf
	r.Negations[SlotWhen] = rh.NegateWhen
	return r, nil
}

func parsePortSpec(spec string) (PortRange, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" || spec == "any" {
		return PortRange{}, nil
	}
	if first, last, ok := strings.Cut(spec, "-"); ok {
		f, err := parsePort(first)
		if err != nil {
			return PortRange{}, err
		}
		l, err := parsePort(last)
		if err != nil {
			return PortRange{}, err
		}
		if l < f {
			return PortRange{}, fmt.Errorf("inverted port range %q", spec)
		}
		return PortRange{First: f, Last: l}, nil
	}
	p, err := parsePort(spec)
	if err != nil {
		return PortRange{}, err
	}
	return PortRange{First: p, Last: p}, nil
}

func parsePort(s string) (int, error) {
	p, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	if p < 0 || p > 65535 {
		return 0, fmt.Errorf("port %d out of range", p)
	}
	return p, nil
}
