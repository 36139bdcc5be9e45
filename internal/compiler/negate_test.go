package compiler

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/floe/internal/policydb"
)

func TestInterfaceNegationComplement(t *testing.T) {
	f := newFixture(t, "iptables")
	eth0 := f.iface("eth0", nil)
	eth1 := f.iface("eth1", nil)
	f.iface("lo", func(i *policydb.Interface) { i.Loopback = true })

	r := rec(policydb.KindPolicy, "accept", map[string][]policydb.Object{
		policydb.SlotItf: {eth0},
	})
	r.SetNegated(policydb.SlotItf, true)

	c := f.compiler(policydb.KindPolicy, FamilyIPv4)
	out := runStage(c, newInterfaceNegationStage(policydb.SlotItf), r)

	require.Len(t, out, 1)
	got := out[0].Slot(policydb.SlotItf)
	require.Len(t, got, 1, "loopback must not appear in the complement")
	assert.Equal(t, eth1.ID(), got[0])
	assert.False(t, out[0].Negated(policydb.SlotItf), "flag is consumed by the rewrite")
}

func TestInterfaceNegationKeepsUnprotected(t *testing.T) {
	f := newFixture(t, "iptables")
	eth0 := f.iface("eth0", nil)
	dmz := f.iface("dmz0", func(i *policydb.Interface) { i.Unprotected = true })

	r := rec(policydb.KindPolicy, "accept", map[string][]policydb.Object{
		policydb.SlotItf: {eth0},
	})
	r.SetNegated(policydb.SlotItf, true)

	c := f.compiler(policydb.KindPolicy, FamilyIPv4)
	out := runStage(c, newInterfaceNegationStage(policydb.SlotItf), r)

	require.Len(t, out, 1)
	got := out[0].Slot(policydb.SlotItf)
	require.Len(t, got, 1)
	assert.Equal(t, dmz.ID(), got[0])
}

func TestInterfaceNegationEmptyComplement(t *testing.T) {
	f := newFixture(t, "iptables")
	eth0 := f.iface("eth0", nil)
	f.iface("lo", func(i *policydb.Interface) { i.Loopback = true })

	r := rec(policydb.KindPolicy, "accept", map[string][]policydb.Object{
		policydb.SlotItf: {eth0},
	})
	r.SetNegated(policydb.SlotItf, true)

	c := f.compiler(policydb.KindPolicy, FamilyIPv4)
	out := runStage(c, newInterfaceNegationStage(policydb.SlotItf), r)

	assert.Empty(t, out)
	require.Len(t, c.Diagnostics(), 1)
	assert.Equal(t, SeverityError, c.Diagnostics()[0].Severity)
}

func TestCompileNegatedInterfacePair(t *testing.T) {
	f := newFixture(t, "iptables")
	eth0 := f.iface("eth0", nil)
	eth1 := f.iface("eth1", nil)
	f.iface("eth2", nil)
	f.iface("lo", func(i *policydb.Interface) { i.Loopback = true })
	h := f.host("h1", "10.0.0.1")

	sr := f.storeRule(policydb.KindPolicy, 0, "not-edge", "deny", map[string][]policydb.Object{
		policydb.SlotSrc: {h},
		policydb.SlotItf: {eth0, eth1},
	})
	sr.Negations[policydb.SlotItf] = true
	f.fw.Options["accept_established"] = "false"

	c := f.compiler(policydb.KindPolicy, FamilyIPv4)
	require.NoError(t, c.Run())
	assert.Empty(t, c.Diagnostics())

	var rules []string
	for _, l := range c.Output().Lines("FORWARD") {
		if !strings.HasPrefix(l, "#") {
			rules = append(rules, l)
		}
	}
	require.Len(t, rules, 1, "the complement of a two-interface set is the one remaining interface")
	assert.Equal(t, "$IPTABLES -A FORWARD -i eth2 -s 10.0.0.1 -j DROP", rules[0])
}

func TestCompileNegatedInterfaceComplementSplit(t *testing.T) {
	f := newFixture(t, "iptables")
	eth0 := f.iface("eth0", nil)
	f.iface("eth1", nil)
	f.iface("eth2", nil)
	f.iface("lo", func(i *policydb.Interface) { i.Loopback = true })
	h := f.host("h1", "10.0.0.1")

	sr := f.storeRule(policydb.KindPolicy, 0, "not-eth0", "deny", map[string][]policydb.Object{
		policydb.SlotSrc: {h},
		policydb.SlotItf: {eth0},
	})
	sr.Negations[policydb.SlotItf] = true
	f.fw.Options["accept_established"] = "false"

	c := f.compiler(policydb.KindPolicy, FamilyIPv4)
	require.NoError(t, c.Run())
	assert.Empty(t, c.Diagnostics())

	var rules []string
	for _, l := range c.Output().Lines("FORWARD") {
		if !strings.HasPrefix(l, "#") {
			rules = append(rules, l)
		}
	}
	require.Len(t, rules, 2, "a multi-interface complement splits into one rule per interface")
	assert.Equal(t, "$IPTABLES -A FORWARD -i eth1 -s 10.0.0.1 -j DROP", rules[0])
	assert.Equal(t, "$IPTABLES -A FORWARD -i eth2 -s 10.0.0.1 -j DROP", rules[1])
}

func TestNegationCheck(t *testing.T) {
	tests := []struct {
		name     string
		platform string
		slot     string
		objs     int
		wantSev  Severity
		wantOut  int
	}{
		{"iptables single src ok", "iptables", policydb.SlotSrc, 1, -1, 1},
		{"iptables multi src aborts", "iptables", policydb.SlotSrc, 2, SeverityAbort, 0},
		{"iptables srv aborts", "iptables", policydb.SlotSrv, 1, SeverityAbort, 0},
		{"nftables multi src ok", "nftables", policydb.SlotSrc, 2, -1, 1},
		{"nftables srv ok", "nftables", policydb.SlotSrv, 1, -1, 1},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, tc.platform)
			var objs []policydb.Object
			for i := 0; i < tc.objs; i++ {
				if tc.slot == policydb.SlotSrv {
					objs = append(objs, f.tcp("svc", 80+i))
				} else {
					objs = append(objs, f.host("h", "10.0.0.1"))
				}
			}
			r := rec(policydb.KindPolicy, "accept", map[string][]policydb.Object{tc.slot: objs})
			r.SetNegated(tc.slot, true)

			c := f.compiler(policydb.KindPolicy, FamilyIPv4)
			out := runStage(c, newNegationCheckStage(policydb.SlotSrc, policydb.SlotDst, policydb.SlotSrv), r)

			assert.Len(t, out, tc.wantOut)
			if tc.wantSev < 0 {
				assert.Empty(t, c.Diagnostics())
			} else {
				require.NotEmpty(t, c.Diagnostics())
				assert.Equal(t, tc.wantSev, c.Diagnostics()[0].Severity)
			}
		})
	}
}
