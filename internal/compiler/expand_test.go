package compiler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/floe/internal/policydb"
)

func TestGroupExpansion(t *testing.T) {
	f := newFixture(t, "iptables")
	h1 := f.host("h1", "10.0.0.1")
	h2 := f.host("h2", "10.0.0.2")
	h3 := f.host("h3", "10.0.0.3")
	inner := f.group("inner", h2, h3)
	outer := f.group("outer", h1, inner)

	r := rec(policydb.KindPolicy, "accept", map[string][]policydb.Object{
		policydb.SlotSrc: {outer},
	})

	c := f.compiler(policydb.KindPolicy, FamilyIPv4)
	out := runStage(c, newGroupExpansionStage(), r)

	require.Len(t, out, 1)
	assert.Equal(t, []policydb.Handle{h1.ID(), h2.ID(), h3.ID()}, out[0].Slot(policydb.SlotSrc))
}

func TestGroupExpansionEmptyGroup(t *testing.T) {
	f := newFixture(t, "iptables")
	empty := f.group("empty")

	r := rec(policydb.KindPolicy, "accept", map[string][]policydb.Object{
		policydb.SlotSrc: {empty},
	})

	c := f.compiler(policydb.KindPolicy, FamilyIPv4)
	out := runStage(c, newGroupExpansionStage(), r)

	assert.Empty(t, out)
	require.Len(t, c.Diagnostics(), 1)
	assert.Equal(t, SeverityError, c.Diagnostics()[0].Severity)
}

func TestFamilyFilter(t *testing.T) {
	f := newFixture(t, "iptables")
	v4 := f.host("v4", "10.0.0.1")
	v6 := f.host("v6", "2001:db8::1")

	tests := []struct {
		name      string
		family    Family
		want      []policydb.Handle
		wantEmpty bool
	}{
		{"ipv4 keeps v4", FamilyIPv4, []policydb.Handle{v4.ID()}, false},
		{"ipv6 keeps v6", FamilyIPv6, []policydb.Handle{v6.ID()}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := rec(policydb.KindPolicy, "accept", map[string][]policydb.Object{
				policydb.SlotSrc: {v4, v6},
			})
			c := New(Config{DB: f.db, Firewall: f.fw, Kind: policydb.KindPolicy, Family: tc.family})
			out := runStage(c, newFamilyFilterStage(), r)
			require.Len(t, out, 1)
			assert.Equal(t, tc.want, out[0].Slot(policydb.SlotSrc))
			assert.Equal(t, tc.wantEmpty, out[0].EmptyRuleElements)
		})
	}
}

func TestFamilyFilterMarksEmptiedRule(t *testing.T) {
	f := newFixture(t, "iptables")
	v6 := f.host("v6", "2001:db8::1")

	r := rec(policydb.KindPolicy, "accept", map[string][]policydb.Object{
		policydb.SlotSrc: {v6},
	})
	c := f.compiler(policydb.KindPolicy, FamilyIPv4)
	out := runStage(c, newFamilyFilterStage(), r)

	require.Len(t, out, 1)
	assert.True(t, out[0].EmptyRuleElements)
	assert.Empty(t, out[0].Slot(policydb.SlotSrc))
}

func TestInterfaceSplit(t *testing.T) {
	f := newFixture(t, "iptables")
	eth0 := f.iface("eth0", nil)
	eth1 := f.iface("eth1", nil)

	r := rec(policydb.KindPolicy, "accept", map[string][]policydb.Object{
		policydb.SlotItf: {eth0, eth1},
	})

	c := f.compiler(policydb.KindPolicy, FamilyIPv4)
	out := runStage(c, newInterfaceSplitStage(policydb.SlotItf), r)

	require.Len(t, out, 2)
	assert.Equal(t, []policydb.Handle{eth0.ID()}, out[0].Slot(policydb.SlotItf))
	assert.Equal(t, []policydb.Handle{eth1.ID()}, out[1].Slot(policydb.SlotItf))
}
