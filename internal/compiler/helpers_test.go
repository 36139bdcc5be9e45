package compiler

import (
	"testing"

	"github.com/google/uuid"

	"grimm.is/floe/internal/policydb"
)

// fixture is a small in-memory store with one firewall, built up by the
// test before compiling against it.
type fixture struct {
	db *policydb.DB
	fw *policydb.Firewall
}

func newFixture(t *testing.T, platform string) *fixture {
	t.Helper()
	db := policydb.NewDB()
	fw := &policydb.Firewall{
		Base:     policydb.Base{Handle: uuid.New(), ObjName: "fw1", Lib: "User"},
		Platform: platform,
		Options:  policydb.Options{},
	}
	db.Add(fw)
	return &fixture{db: db, fw: fw}
}

func (f *fixture) host(name, addr string) *policydb.Host {
	h := &policydb.Host{
		Base:    policydb.Base{Handle: uuid.New(), ObjName: name, Lib: "User"},
		Address: addr,
	}
	f.db.Add(h)
	return h
}

func (f *fixture) network(name, cidr string) *policydb.Network {
	n := &policydb.Network{
		Base: policydb.Base{Handle: uuid.New(), ObjName: name, Lib: "User"},
		CIDR: cidr,
	}
	f.db.Add(n)
	return n
}

func (f *fixture) iface(name string, mod func(*policydb.Interface)) *policydb.Interface {
	i := &policydb.Interface{
		Base:     policydb.Base{Handle: uuid.New(), ObjName: name, Lib: "User"},
		Firewall: f.fw.ID(),
	}
	if mod != nil {
		mod(i)
	}
	f.db.Add(i)
	f.fw.Interfaces = append(f.fw.Interfaces, i.ID())
	return i
}

func (f *fixture) ifaceAddr(iface *policydb.Interface, addr string, plen int) *policydb.InterfaceAddress {
	a := &policydb.InterfaceAddress{
		Base:      policydb.Base{Handle: uuid.New(), ObjName: iface.Name() + ":" + addr, Lib: "User"},
		Interface: iface.ID(),
		Address:   addr,
		PrefixLen: plen,
	}
	f.db.Add(a)
	iface.Addresses = append(iface.Addresses, a.ID())
	return a
}

func (f *fixture) dnsName(name, fqdn string) *policydb.DNSName {
	d := &policydb.DNSName{
		Base: policydb.Base{Handle: uuid.New(), ObjName: name, Lib: "User"},
		FQDN: fqdn,
	}
	f.db.Add(d)
	return d
}

func (f *fixture) interval(name string, mod func(*policydb.TimeInterval)) *policydb.TimeInterval {
	iv := &policydb.TimeInterval{
		Base: policydb.Base{Handle: uuid.New(), ObjName: name, Lib: "User"},
	}
	if mod != nil {
		mod(iv)
	}
	f.db.Add(iv)
	return iv
}

func (f *fixture) tcp(name string, port int) *policydb.TCPService {
	s := &policydb.TCPService{
		Base: policydb.Base{Handle: uuid.New(), ObjName: name, Lib: "User"},
		Dst:  policydb.PortRange{First: port, Last: port},
	}
	f.db.Add(s)
	return s
}

func (f *fixture) udp(name string, port int) *policydb.UDPService {
	s := &policydb.UDPService{
		Base: policydb.Base{Handle: uuid.New(), ObjName: name, Lib: "User"},
		Dst:  policydb.PortRange{First: port, Last: port},
	}
	f.db.Add(s)
	return s
}

func (f *fixture) group(name string, members ...policydb.Object) *policydb.Group {
	g := &policydb.Group{
		Base: policydb.Base{Handle: uuid.New(), ObjName: name, Lib: "User"},
	}
	for _, m := range members {
		g.Members = append(g.Members, m.ID())
	}
	f.db.Add(g)
	return g
}

// compiler builds an idle compiler instance bound to the fixture.
func (f *fixture) compiler(kind policydb.RuleKind, family Family) *Compiler {
	return New(Config{
		DB:       f.db,
		Firewall: f.fw,
		Kind:     kind,
		Family:   family,
	})
}

// rule builds an in-flight record referencing fixture objects.
func rec(kind policydb.RuleKind, action string, slots map[string][]policydb.Object) *Rule {
	r := &Rule{
		ID:        uuid.New(),
		Kind:      kind,
		Label:     "r1",
		Action:    action,
		Elements:  make(map[string][]policydb.Handle),
		Negations: make(map[string]bool),
	}
	for slot, objs := range slots {
		for _, o := range objs {
			r.Elements[slot] = append(r.Elements[slot], o.ID())
		}
	}
	return r
}

// runStage pushes the records through a single stage wired to the compiler
// and drains its output.
func runStage(c *Compiler, st Stage, in ...*Rule) []*Rule {
	if ss, ok := st.(stageSetter); ok {
		ss.setCompiler(c)
	}
	st.SetUpstream(newSourceStage(in))
	var out []*Rule
	for st.ProcessNext() {
		for r := st.Deque(); r != nil; r = st.Deque() {
			out = append(out, r)
		}
	}
	return out
}

// storeRule persists a rule on the fixture firewall.
func (f *fixture) storeRule(kind policydb.RuleKind, pos int, name, action string, slots map[string][]policydb.Object) *policydb.Rule {
	r := &policydb.Rule{
		Base:      policydb.Base{Handle: uuid.New(), ObjName: name, Lib: "User"},
		Kind:      kind,
		Position:  pos,
		Action:    action,
		Elements:  make(map[string][]policydb.Handle),
		Negations: make(map[string]bool),
		Options:   policydb.Options{},
	}
	for slot, objs := range slots {
		for _, o := range objs {
			r.Elements[slot] = append(r.Elements[slot], o.ID())
		}
	}
	f.db.Add(r)
	switch kind {
	case policydb.KindPolicy:
		f.fw.Policy = append(f.fw.Policy, r)
	case policydb.KindNAT:
		f.fw.NAT = append(f.fw.NAT, r)
	case policydb.KindRouting:
		f.fw.Routing = append(f.fw.Routing, r)
	}
	return r
}
