package compiler

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/floe/internal/policydb"
)

func TestCompileIptablesPolicy(t *testing.T) {
	f := newFixture(t, "iptables")
	f.iface("eth0", nil)
	lan := f.host("lan-host", "10.0.0.5")
	web := f.tcp("web", 80)
	f.storeRule(policydb.KindPolicy, 0, "allow-web", "accept", map[string][]policydb.Object{
		policydb.SlotSrc: {lan},
		policydb.SlotSrv: {web},
	})

	c := f.compiler(policydb.KindPolicy, FamilyIPv4)
	require.NoError(t, c.Run())
	assert.Equal(t, StateDone, c.State())
	assert.Empty(t, c.Diagnostics())

	forward := c.Output().Lines("FORWARD")
	require.NotEmpty(t, forward)
	assert.Contains(t, forward, "$IPTABLES -A FORWARD -p tcp --dport 80 -s 10.0.0.5 -m state --state NEW -j ACCEPT")

	// The conntrack accept is injected ahead of user rules in every
	// builtin chain.
	input := c.Output().Lines("INPUT")
	require.NotEmpty(t, input)
	assert.Contains(t, input, "$IPTABLES -A INPUT -m state --state ESTABLISHED,RELATED -j ACCEPT")
	assert.Contains(t, c.Output().Lines("OUTPUT"), "$IPTABLES -A OUTPUT -m state --state ESTABLISHED,RELATED -j ACCEPT")
}

func TestCompileIptablesAtomicExpansion(t *testing.T) {
	f := newFixture(t, "iptables")
	s1 := f.host("s1", "10.0.0.1")
	s2 := f.host("s2", "10.0.0.2")
	d1 := f.host("d1", "192.0.2.1")
	f.storeRule(policydb.KindPolicy, 0, "multi", "deny", map[string][]policydb.Object{
		policydb.SlotSrc: {s1, s2},
		policydb.SlotDst: {d1},
	})
	f.fw.Options["accept_established"] = "false"

	c := f.compiler(policydb.KindPolicy, FamilyIPv4)
	require.NoError(t, c.Run())

	var rules []string
	for _, l := range c.Output().Lines("FORWARD") {
		if !strings.HasPrefix(l, "#") {
			rules = append(rules, l)
		}
	}
	require.Len(t, rules, 2, "iptables has no set matches, src expands atomically")
	assert.Equal(t, "$IPTABLES -A FORWARD -s 10.0.0.1 -d 192.0.2.1 -j DROP", rules[0])
	assert.Equal(t, "$IPTABLES -A FORWARD -s 10.0.0.2 -d 192.0.2.1 -j DROP", rules[1])
}

func TestCompileNftablesSetMatch(t *testing.T) {
	f := newFixture(t, "nftables")
	s1 := f.host("s1", "10.0.0.1")
	s2 := f.host("s2", "10.0.0.2")
	web := f.tcp("web", 80)
	f.storeRule(policydb.KindPolicy, 0, "allow-web", "accept", map[string][]policydb.Object{
		policydb.SlotSrc: {s1, s2},
		policydb.SlotSrv: {web},
	})
	f.fw.Options["accept_established"] = "false"

	c := f.compiler(policydb.KindPolicy, FamilyIPv4)
	require.NoError(t, c.Run())

	forward := c.Output().Lines("FORWARD")
	assert.Contains(t, forward, "tcp dport 80 ip saddr { 10.0.0.1, 10.0.0.2 } ct state new counter accept")
}

func TestCompileNATSourceTranslation(t *testing.T) {
	f := newFixture(t, "iptables")
	ext := f.iface("eth0", nil)
	extAddr := f.ifaceAddr(ext, "192.0.2.1", 24)
	lan := f.network("lan", "10.0.0.0/24")
	f.storeRule(policydb.KindNAT, 0, "snat-out", "translate", map[string][]policydb.Object{
		policydb.SlotOSrc: {lan},
		policydb.SlotTSrc: {extAddr},
	})

	c := f.compiler(policydb.KindNAT, FamilyIPv4)
	require.NoError(t, c.Run())
	assert.Empty(t, c.Diagnostics())

	post := c.Output().Lines("POSTROUTING")
	assert.Contains(t, post, "$IPTABLES -t nat -A POSTROUTING -o eth0 -s 10.0.0.0/24 -j SNAT --to-source 192.0.2.1")
}

func TestCompileNATMasquerade(t *testing.T) {
	f := newFixture(t, "iptables")
	ppp := f.iface("ppp0", func(i *policydb.Interface) { i.Dynamic = true })
	f.ifaceAddr(ppp, "0.0.0.0", 0)
	lan := f.network("lan", "10.0.0.0/24")
	f.storeRule(policydb.KindNAT, 0, "masq", "translate", map[string][]policydb.Object{
		policydb.SlotOSrc: {lan},
		policydb.SlotTSrc: {ppp},
	})

	c := f.compiler(policydb.KindNAT, FamilyIPv4)
	require.NoError(t, c.Run())

	post := c.Output().Lines("POSTROUTING")
	require.NotEmpty(t, post)
	joined := strings.Join(post, "\n")
	assert.Contains(t, joined, "-j MASQUERADE")
	assert.Contains(t, joined, "-o ppp0")
}

func TestCompileNATPassThroughBothChains(t *testing.T) {
	f := newFixture(t, "iptables")
	lan := f.network("lan", "10.0.0.0/24")
	f.storeRule(policydb.KindNAT, 0, "no-nat", "translate", map[string][]policydb.Object{
		policydb.SlotOSrc: {lan},
	})

	c := f.compiler(policydb.KindNAT, FamilyIPv4)
	require.NoError(t, c.Run())
	assert.Empty(t, c.Diagnostics())

	// An exemption in POSTROUTING alone still leaves the traffic exposed
	// to destination translation on the way in.
	assert.Contains(t, c.Output().Lines("PREROUTING"),
		"$IPTABLES -t nat -A PREROUTING -s 10.0.0.0/24 -j ACCEPT")
	assert.Contains(t, c.Output().Lines("POSTROUTING"),
		"$IPTABLES -t nat -A POSTROUTING -s 10.0.0.0/24 -j ACCEPT")
}

func TestCompileNATTranslatedServiceExtras(t *testing.T) {
	f := newFixture(t, "iptables")
	pub := f.host("pub", "192.0.2.10")
	srv := f.host("srv", "10.0.0.80")
	p1 := f.tcp("web-alt", 8080)
	p2 := f.tcp("web-alt2", 9090)
	f.storeRule(policydb.KindNAT, 0, "port-fwd", "translate", map[string][]policydb.Object{
		policydb.SlotODst: {pub},
		policydb.SlotTDst: {srv},
		policydb.SlotTSrv: {p1, p2},
	})

	c := f.compiler(policydb.KindNAT, FamilyIPv4)
	require.NoError(t, c.Run())

	require.NotEmpty(t, c.Diagnostics())
	assert.Equal(t, SeverityWarning, c.Diagnostics()[0].Severity)
	assert.Contains(t, c.Diagnostics()[0].Message, "only the first")
	assert.Contains(t, c.Output().Lines("PREROUTING"),
		"$IPTABLES -t nat -A PREROUTING -d 192.0.2.10 -j DNAT --to-destination 10.0.0.80:8080")
}

func TestCompileIptablesDNSName(t *testing.T) {
	f := newFixture(t, "iptables")
	mirror := f.dnsName("mirror", "mirror.example.com")
	f.storeRule(policydb.KindPolicy, 0, "allow-mirror", "accept", map[string][]policydb.Object{
		policydb.SlotDst: {mirror},
	})
	f.fw.Options["accept_established"] = "false"

	c := f.compiler(policydb.KindPolicy, FamilyIPv4)
	require.NoError(t, c.Run())
	assert.Empty(t, c.Diagnostics())

	// The shell loads the ruleset through the resolver, so the name goes
	// out verbatim.
	assert.Contains(t, c.Output().Lines("FORWARD"),
		"$IPTABLES -A FORWARD -d mirror.example.com -m state --state NEW -j ACCEPT")
}

func TestCompileNftablesDNSNameAborts(t *testing.T) {
	f := newFixture(t, "nftables")
	mirror := f.dnsName("mirror", "mirror.example.com")
	f.storeRule(policydb.KindPolicy, 0, "allow-mirror", "accept", map[string][]policydb.Object{
		policydb.SlotDst: {mirror},
	})
	f.fw.Options["accept_established"] = "false"

	c := f.compiler(policydb.KindPolicy, FamilyIPv4)
	require.NoError(t, c.Run())

	require.NotEmpty(t, c.Diagnostics())
	assert.Equal(t, SeverityAbort, c.Diagnostics()[0].Severity)
	joined := strings.Join(c.Output().Lines("FORWARD"), "\n")
	assert.NotContains(t, joined, "mirror.example.com")
}

func TestCompileNftablesDNSNameDropOption(t *testing.T) {
	f := newFixture(t, "nftables")
	mirror := f.dnsName("mirror", "mirror.example.com")
	f.storeRule(policydb.KindPolicy, 0, "allow-mirror", "accept", map[string][]policydb.Object{
		policydb.SlotDst: {mirror},
	})
	f.fw.Options["accept_established"] = "false"
	f.fw.Options["drop_dns_names"] = "true"

	c := f.compiler(policydb.KindPolicy, FamilyIPv4)
	require.NoError(t, c.Run())

	require.NotEmpty(t, c.Diagnostics())
	assert.Equal(t, SeverityWarning, c.Diagnostics()[0].Severity)
	joined := strings.Join(c.Output().Lines("FORWARD"), "\n")
	assert.NotContains(t, joined, "mirror.example.com")
	assert.Contains(t, joined, "ct state new counter accept", "the rule survives without the name match")
}

func TestCompileNftablesDatedIntervalWarns(t *testing.T) {
	f := newFixture(t, "nftables")
	iv := f.interval("maintenance", func(iv *policydb.TimeInterval) {
		iv.StartTime, iv.EndTime = "22:00", "23:30"
		iv.StartDate = "2026-01-01"
	})
	h := f.host("h1", "10.0.0.1")
	f.storeRule(policydb.KindPolicy, 0, "window", "accept", map[string][]policydb.Object{
		policydb.SlotSrc:  {h},
		policydb.SlotWhen: {iv},
	})
	f.fw.Options["accept_established"] = "false"

	c := f.compiler(policydb.KindPolicy, FamilyIPv4)
	require.NoError(t, c.Run())

	require.Len(t, c.Diagnostics(), 1)
	assert.Equal(t, SeverityWarning, c.Diagnostics()[0].Severity)
	assert.Contains(t, c.Diagnostics()[0].Message, "date bounds")

	joined := strings.Join(c.Output().Lines("FORWARD"), "\n")
	assert.Contains(t, joined, "meta hour >= 22:00:00 meta hour < 23:30:00")
}

func TestCompileRoutingECMP(t *testing.T) {
	f := newFixture(t, "iptables")
	dst := f.network("branch-net", "10.1.0.0/16")
	gw1 := f.host("gw1", "192.0.2.254")
	gw2 := f.host("gw2", "192.0.2.253")
	f.storeRule(policydb.KindRouting, 0, "route1", "route", map[string][]policydb.Object{
		policydb.SlotRDst: {dst},
		policydb.SlotRGtw: {gw1},
	})
	f.storeRule(policydb.KindRouting, 1, "route2", "route", map[string][]policydb.Object{
		policydb.SlotRDst: {dst},
		policydb.SlotRGtw: {gw2},
	})

	c := f.compiler(policydb.KindRouting, FamilyIPv4)
	require.NoError(t, c.Run())

	routes := c.Output().Lines("routes")
	require.NotEmpty(t, routes)
	assert.Contains(t, routes,
		"$IP route add 10.1.0.0/16 nexthop via 192.0.2.254 nexthop via 192.0.2.253")
}

func TestCompileSingleRuleMode(t *testing.T) {
	f := newFixture(t, "iptables")
	h1 := f.host("h1", "10.0.0.1")
	h2 := f.host("h2", "10.0.0.2")
	f.storeRule(policydb.KindPolicy, 0, "first", "accept", map[string][]policydb.Object{
		policydb.SlotSrc: {h1},
	})
	f.storeRule(policydb.KindPolicy, 1, "second", "deny", map[string][]policydb.Object{
		policydb.SlotSrc: {h2},
	})

	c := New(Config{DB: f.db, Firewall: f.fw, Kind: policydb.KindPolicy, Family: FamilyIPv4, SingleRule: "second"})
	require.NoError(t, c.Run())

	joined := strings.Join(c.Output().Lines("FORWARD"), "\n")
	assert.Contains(t, joined, "10.0.0.2")
	assert.NotContains(t, joined, "10.0.0.1")
	assert.NotContains(t, joined, "ESTABLISHED", "single-rule mode skips automatic rules")
}

func TestCompileDisabledRuleSkipped(t *testing.T) {
	f := newFixture(t, "iptables")
	h1 := f.host("h1", "10.0.0.1")
	r := f.storeRule(policydb.KindPolicy, 0, "off", "deny", map[string][]policydb.Object{
		policydb.SlotSrc: {h1},
	})
	r.Disabled = true
	f.fw.Options["accept_established"] = "false"

	c := f.compiler(policydb.KindPolicy, FamilyIPv4)
	require.NoError(t, c.Run())
	assert.True(t, c.Output().Empty())
}

func TestCompileBranchAction(t *testing.T) {
	f := newFixture(t, "iptables")
	h1 := f.host("h1", "10.0.0.1")
	sr := f.storeRule(policydb.KindPolicy, 0, "to-dmz", "branch", map[string][]policydb.Object{
		policydb.SlotSrc: {h1},
	})
	sr.Branch = "dmz_rules"
	f.fw.Options["accept_established"] = "false"

	c := f.compiler(policydb.KindPolicy, FamilyIPv4)
	require.NoError(t, c.Run())

	joined := strings.Join(c.Output().Lines("FORWARD"), "\n")
	assert.Contains(t, joined, "-j dmz_rules")

	var names []string
	for _, ci := range c.Output().Chains() {
		names = append(names, ci.Name)
	}
	assert.Contains(t, names, "dmz_rules", "branch target chain is declared")
}

func TestCompilerStateTransitions(t *testing.T) {
	f := newFixture(t, "iptables")
	c := f.compiler(policydb.KindPolicy, FamilyIPv4)
	assert.Equal(t, StateIdle, c.State())

	// No rules at all: the automatic conntrack rule still compiles.
	require.NoError(t, c.Run())
	assert.Equal(t, StateDone, c.State())
	assert.Error(t, c.Compile(), "compile after done is rejected")
}
