package compiler

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/floe/internal/policydb"
)

func TestProtocolGroupChunking(t *testing.T) {
	f := newFixture(t, "iptables")
	var objs []policydb.Object
	for i := 0; i < 37; i++ {
		objs = append(objs, f.tcp(fmt.Sprintf("p%d", i), 1000+i))
	}
	r := rec(policydb.KindPolicy, "accept", map[string][]policydb.Object{
		policydb.SlotSrv: objs,
	})

	c := f.compiler(policydb.KindPolicy, FamilyIPv4)
	out := runStage(c, newProtocolGroupStage(policydb.SlotSrv), r)

	require.Len(t, out, 3)
	assert.Len(t, out[0].Slot(policydb.SlotSrv), 15)
	assert.Len(t, out[1].Slot(policydb.SlotSrv), 15)
	assert.Len(t, out[2].Slot(policydb.SlotSrv), 7)

	// Input order is preserved across the chunks.
	idx := 0
	for _, chunk := range out {
		for _, h := range chunk.Slot(policydb.SlotSrv) {
			assert.Equal(t, objs[idx].ID(), h)
			idx++
		}
	}
}

func TestProtocolGroupSplitsProtocols(t *testing.T) {
	f := newFixture(t, "iptables")
	web := f.tcp("web", 80)
	dns := f.udp("dns", 53)
	ssh := f.tcp("ssh", 22)

	r := rec(policydb.KindPolicy, "accept", map[string][]policydb.Object{
		policydb.SlotSrv: {web, dns, ssh},
	})

	c := f.compiler(policydb.KindPolicy, FamilyIPv4)
	out := runStage(c, newProtocolGroupStage(policydb.SlotSrv), r)

	// Two groups, ordered by first appearance: tcp then udp.
	require.Len(t, out, 2)
	assert.Equal(t, []policydb.Handle{web.ID(), ssh.ID()}, out[0].Slot(policydb.SlotSrv))
	assert.Equal(t, []policydb.Handle{dns.ID()}, out[1].Slot(policydb.SlotSrv))
}

func TestProtocolGroupIsolatesFlaggedTCP(t *testing.T) {
	f := newFixture(t, "iptables")
	plain := f.tcp("web", 80)
	flagged := &policydb.TCPService{
		Base:  policydb.Base{Handle: uuid.New(), ObjName: "syn-only"},
		Dst:   policydb.PortRange{First: 443, Last: 443},
		Flags: "syn",
	}
	f.db.Add(flagged)

	r := rec(policydb.KindPolicy, "accept", map[string][]policydb.Object{
		policydb.SlotSrv: {plain, flagged},
	})

	c := f.compiler(policydb.KindPolicy, FamilyIPv4)
	out := runStage(c, newProtocolGroupStage(policydb.SlotSrv), r)

	require.Len(t, out, 2, "flagged service cannot share a multiport rule")
}

func TestProtocolGroupSplitsICMPPerType(t *testing.T) {
	f := newFixture(t, "iptables")
	var objs []policydb.Object
	for _, typ := range []int{0, 8, 11} {
		s := &policydb.ICMPService{
			Base: policydb.Base{Handle: uuid.New(), ObjName: fmt.Sprintf("icmp-%d", typ)},
			Type: typ,
			Code: -1,
		}
		f.db.Add(s)
		objs = append(objs, s)
	}
	r := rec(policydb.KindPolicy, "accept", map[string][]policydb.Object{
		policydb.SlotSrv: objs,
	})

	c := f.compiler(policydb.KindPolicy, FamilyIPv4)
	out := runStage(c, newProtocolGroupStage(policydb.SlotSrv), r)

	require.Len(t, out, 3)
	for i, r := range out {
		require.Len(t, r.Slot(policydb.SlotSrv), 1)
		assert.Equal(t, objs[i].ID(), r.Slot(policydb.SlotSrv)[0])
	}
}

func TestProtocolGroupPassthrough(t *testing.T) {
	f := newFixture(t, "iptables")
	web := f.tcp("web", 80)
	r := rec(policydb.KindPolicy, "accept", map[string][]policydb.Object{
		policydb.SlotSrv: {web},
	})

	c := f.compiler(policydb.KindPolicy, FamilyIPv4)
	out := runStage(c, newProtocolGroupStage(policydb.SlotSrv), r)

	require.Len(t, out, 1)
	assert.Same(t, r, out[0], "single group keeps the original record")
}
