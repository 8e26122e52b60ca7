package dandelion

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stemrelay/core/config"
	"stemrelay/core/peers"
	"stemrelay/types/ids"
)

var epoch0 = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func testConfig() config.DandelionConfig {
	return config.Default().Dandelion
}

func registryWith(n int, outbound bool) *peers.PeerSet {
	ps := peers.NewPeerSet()
	for i := 0; i < n; i++ {
		ps.AddPeer(peers.Peer{ID: ids.PeerID(fmt.Sprintf("10.0.0.%d:3000", i+1)), Outbound: outbound, StemCapable: true})
	}
	return ps
}

func TestSuccessorStableWithinEpoch(t *testing.T) {
	clock := NewManualClock(epoch0)
	rt := NewRoutingTable(registryWith(6, true), testConfig(), clock, 42)

	first, err := rt.SuccessorFor(ids.Self)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		clock.Advance(10 * time.Second)
		succ, err := rt.SuccessorFor(ids.Self)
		require.NoError(t, err)
		assert.Equal(t, first, succ)
	}
	assert.Equal(t, uint64(0), rt.Epoch().Number)
}

func TestSuccessorExcludesSource(t *testing.T) {
	reg := registryWith(3, true)
	rt := NewRoutingTable(reg, testConfig(), NewManualClock(epoch0), 7)
	for _, src := range reg.IDs() {
		succ, err := rt.SuccessorFor(src)
		require.NoError(t, err)
		assert.NotEqual(t, src, succ)
	}
}

func TestEpochRotationClearsRoutes(t *testing.T) {
	cfg := testConfig()
	clock := NewManualClock(epoch0)
	rt := NewRoutingTable(registryWith(4, true), cfg, clock, 1)

	_, err := rt.SuccessorFor(ids.Self)
	require.NoError(t, err)
	require.Len(t, rt.Routes(), 1)

	clock.Advance(cfg.Epoch)
	rt.Refresh()
	info := rt.Epoch()
	assert.Equal(t, uint64(1), info.Number)
	assert.Equal(t, clock.Now(), info.Started)
	assert.Empty(t, rt.Routes())

	rotated := rt.Rotate()
	assert.Equal(t, uint64(2), rotated.Number)
}

func TestSuccessorRerolledAfterDisconnect(t *testing.T) {
	reg := registryWith(5, true)
	rt := NewRoutingTable(reg, testConfig(), NewManualClock(epoch0), 3)

	succ, err := rt.SuccessorFor(ids.Self)
	require.NoError(t, err)

	reg.RemovePeer(succ)
	assert.Equal(t, 1, rt.PeerDisconnected(succ))

	next, err := rt.SuccessorFor(ids.Self)
	require.NoError(t, err)
	assert.NotEqual(t, succ, next)
	assert.True(t, reg.IsStemCandidate(next, false))
}

func TestSuccessorRerolledWhenRegistryDropsPeer(t *testing.T) {
	reg := registryWith(2, true)
	rt := NewRoutingTable(reg, testConfig(), NewManualClock(epoch0), 9)

	succ, err := rt.SuccessorFor(ids.Self)
	require.NoError(t, err)
	// no PeerDisconnected call: the lookup itself notices the stale entry
	reg.RemovePeer(succ)

	next, err := rt.SuccessorFor(ids.Self)
	require.NoError(t, err)
	assert.NotEqual(t, succ, next)
}

func TestNoRoute(t *testing.T) {
	rt := NewRoutingTable(peers.NewPeerSet(), testConfig(), NewManualClock(epoch0), 1)
	_, err := rt.SuccessorFor(ids.Self)
	assert.ErrorIs(t, err, ErrNoRoute)

	only := registryWith(1, true)
	rt = NewRoutingTable(only, testConfig(), NewManualClock(epoch0), 1)
	_, err = rt.SuccessorFor(only.IDs()[0])
	assert.ErrorIs(t, err, ErrNoRoute, "the source itself is never its own successor")
}

func TestNonStemCapablePeersIgnored(t *testing.T) {
	reg := peers.NewPeerSet()
	reg.AddPeer(peers.Peer{ID: "legacy:1", Outbound: true, StemCapable: false})
	rt := NewRoutingTable(reg, testConfig(), NewManualClock(epoch0), 1)
	_, err := rt.SuccessorFor(ids.Self)
	assert.ErrorIs(t, err, ErrNoRoute)
}

func TestOutboundOnly(t *testing.T) {
	reg := registryWith(4, false)
	reg.AddPeer(peers.Peer{ID: "out:1", Outbound: true, StemCapable: true})
	cfg := testConfig()
	cfg.OutboundOnly = true
	rt := NewRoutingTable(reg, cfg, NewManualClock(epoch0), 5)

	for _, src := range reg.IDs() {
		succ, err := rt.SuccessorFor(src)
		if src == "out:1" {
			assert.ErrorIs(t, err, ErrNoRoute)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, ids.PeerID("out:1"), succ)
	}
}

func TestDiffuserRole(t *testing.T) {
	cfg := testConfig()
	cfg.RelayFluffProbability = 1
	assert.True(t, NewRoutingTable(registryWith(2, true), cfg, NewManualClock(epoch0), 1).IsDiffuser())

	cfg.RelayFluffProbability = 0
	assert.False(t, NewRoutingTable(registryWith(2, true), cfg, NewManualClock(epoch0), 1).IsDiffuser())
}

func TestSuccessorSpreadsAcrossPeers(t *testing.T) {
	reg := registryWith(4, true)
	picked := map[ids.PeerID]int{}
	for seed := int64(1); seed <= 200; seed++ {
		rt := NewRoutingTable(reg, testConfig(), NewManualClock(epoch0), seed)
		succ, err := rt.SuccessorFor(ids.Self)
		require.NoError(t, err)
		picked[succ]++
	}
	assert.Len(t, picked, 4, "every candidate should be chosen for some seed")
}
