package dandelion

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stemrelay/core/audit"
	"stemrelay/core/config"
	"stemrelay/core/mempool"
	"stemrelay/core/peers"
	"stemrelay/core/validation"
	"stemrelay/types/ids"
)

// simNet is an in-memory network. Messages queue up and are delivered in
// order by drain; peers without a node are black holes that only record.
type simNet struct {
	t     *testing.T
	clock *ManualClock
	nodes map[ids.PeerID]*simNode

	mu        sync.Mutex
	queue     []simMsg
	delivered []simMsg
	failSend  map[ids.PeerID]bool
}

type simMsg struct {
	from, to ids.PeerID
	cmd      string
	tx       mempool.Transaction
	hashes   []ids.ID
}

type simNode struct {
	id    ids.PeerID
	net   *simNet
	peers *peers.PeerSet
	pool  *mempool.Mempool
	flood *mempool.GossipEngine
	audit *audit.MemoryAuditLogger
	relay *Relay
}

func newSimNet(t *testing.T) *simNet {
	return &simNet{
		t:        t,
		clock:    NewManualClock(epoch0),
		nodes:    make(map[ids.PeerID]*simNode),
		failSend: make(map[ids.PeerID]bool),
	}
}

func (n *simNet) addNode(id string, cfg config.DandelionConfig, seed int64) *simNode {
	n.t.Helper()
	v, err := validation.NewTxValidator()
	require.NoError(n.t, err)
	node := &simNode{
		id:    ids.PeerID(id),
		net:   n,
		peers: peers.NewPeerSet(),
		pool:  mempool.NewMempool(1000),
		audit: audit.NewMemoryAuditLogger(1000),
	}
	node.flood = mempool.NewGossipEngine(node, node.pool)
	node.relay = NewRelay(Options{
		Config:    cfg,
		Registry:  node.peers,
		Messenger: node,
		Flood:     node.flood,
		Pool:      node.pool,
		Validator: v,
		Audit:     node.audit,
		Clock:     n.clock,
		Seed:      seed,
	})
	n.nodes[node.id] = node
	return node
}

// link connects from -> to as an outbound connection of from.
func (n *simNet) link(from, to string) {
	if a, ok := n.nodes[ids.PeerID(from)]; ok {
		a.peers.AddPeer(peers.Peer{ID: ids.PeerID(to), Outbound: true, StemCapable: true})
	}
	if b, ok := n.nodes[ids.PeerID(to)]; ok {
		b.peers.AddPeer(peers.Peer{ID: ids.PeerID(from), Outbound: false, StemCapable: true})
	}
}

func (n *simNet) enqueue(m simMsg) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failSend[m.to] {
		return errors.New("queue full")
	}
	n.queue = append(n.queue, m)
	return nil
}

// drain delivers queued messages until the network is quiet.
func (n *simNet) drain() {
	n.t.Helper()
	for steps := 0; ; steps++ {
		require.Less(n.t, steps, 10000, "network did not settle")
		n.mu.Lock()
		if len(n.queue) == 0 {
			n.mu.Unlock()
			return
		}
		m := n.queue[0]
		n.queue = n.queue[1:]
		n.delivered = append(n.delivered, m)
		n.mu.Unlock()

		node, ok := n.nodes[m.to]
		if !ok {
			continue
		}
		r := node.relay
		switch m.cmd {
		case "dandeliontx":
			_ = r.HandleStem(m.from, m.tx)
		case "tx":
			_ = r.HandleTx(m.from, m.tx)
		case "inv":
			_ = r.HandleInv(m.from, m.hashes)
		case "getdata":
			_ = r.HandleGetData(m.from, m.hashes)
		case "notfound":
			r.HandleNotFound(m.from, m.hashes)
		}
	}
}

// advance moves time forward one tick at a time, ticking every node.
func (n *simNet) advance(d time.Duration) {
	n.t.Helper()
	for elapsed := time.Duration(0); elapsed < d; elapsed += time.Second {
		n.clock.Advance(time.Second)
		for _, node := range n.nodes {
			node.relay.Tick()
		}
		n.drain()
	}
}

// sent returns delivered messages matching to and cmd.
func (n *simNet) sent(to ids.PeerID, cmd string) []simMsg {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []simMsg
	for _, m := range n.delivered {
		if m.to == to && m.cmd == cmd {
			out = append(out, m)
		}
	}
	return out
}

func (n *simNet) stemsOf(hash ids.ID) []simMsg {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []simMsg
	for _, m := range n.delivered {
		if m.cmd == "dandeliontx" && m.tx.Hash == hash {
			out = append(out, m)
		}
	}
	return out
}

func (s *simNode) SendStem(peer ids.PeerID, tx mempool.Transaction) error {
	return s.net.enqueue(simMsg{from: s.id, to: peer, cmd: "dandeliontx", tx: tx})
}

func (s *simNode) SendTx(peer ids.PeerID, tx mempool.Transaction) error {
	return s.net.enqueue(simMsg{from: s.id, to: peer, cmd: "tx", tx: tx})
}

func (s *simNode) SendNotFound(peer ids.PeerID, hashes []ids.ID) error {
	return s.net.enqueue(simMsg{from: s.id, to: peer, cmd: "notfound", hashes: hashes})
}

func (s *simNode) SendGetData(peer ids.PeerID, hashes []ids.ID) error {
	return s.net.enqueue(simMsg{from: s.id, to: peer, cmd: "getdata", hashes: hashes})
}

func (s *simNode) PeerIDs() []ids.PeerID { return s.peers.IDs() }

func (s *simNode) SendInventory(peer ids.PeerID, hashes []ids.ID) error {
	return s.net.enqueue(simMsg{from: s.id, to: peer, cmd: "inv", hashes: hashes})
}

// probe has spy ask node for hashes and returns what came back.
func (n *simNet) probe(spy ids.PeerID, node *simNode, hashes ...ids.ID) (txs []mempool.Transaction, notFound []ids.ID) {
	n.t.Helper()
	before := len(n.delivered)
	require.NoError(n.t, node.relay.HandleGetData(spy, hashes))
	n.drain()
	for _, m := range n.delivered[before:] {
		if m.to != spy || m.from != node.id {
			continue
		}
		switch m.cmd {
		case "tx":
			txs = append(txs, m.tx)
		case "notfound":
			notFound = append(notFound, m.hashes...)
		}
	}
	return txs, notFound
}

func simConfig() config.DandelionConfig {
	cfg := config.Default().Dandelion
	cfg.OutboundOnly = true
	return cfg
}

// A stems to B, B stems into a black hole. A spy connected to both learns
// nothing until the embargo runs out.
func TestProbingResistance(t *testing.T) {
	net := newSimNet(t)
	a := net.addNode("A", simConfig(), 1)
	b := net.addNode("B", simConfig(), 2)
	net.link("A", "B")
	net.link("B", "Z")
	net.link("S", "A")
	net.link("S", "B")

	tx := testTx(1)
	phase, err := a.relay.SubmitLocal(tx)
	require.NoError(t, err)
	require.Equal(t, PhaseStem, phase)
	net.drain()

	stems := net.stemsOf(tx.Hash)
	require.Len(t, stems, 2)
	assert.Equal(t, ids.PeerID("B"), stems[0].to)
	assert.Equal(t, ids.PeerID("Z"), stems[1].to)

	for _, node := range []*simNode{a, b} {
		txs, nf := net.probe("S", node, tx.Hash)
		assert.Empty(t, txs, "stem tx leaked by %s", node.id)
		assert.Equal(t, []ids.ID{tx.Hash}, nf)
	}
	// the successor probing its predecessor gets the same answer
	txs, nf := net.probe("B", a, tx.Hash)
	assert.Empty(t, txs)
	assert.Equal(t, []ids.ID{tx.Hash}, nf)

	assert.Empty(t, net.sent("S", "inv"), "no inventory while stemming")
	assert.False(t, a.pool.HasTx(tx.Hash))
	assert.False(t, b.pool.HasTx(tx.Hash))

	net.advance(testConfig().EmbargoMax + 2*time.Second)

	assert.NotEmpty(t, net.sent("S", "inv"))
	txs, nf = net.probe("S", a, tx.Hash)
	assert.Equal(t, []mempool.Transaction{tx}, txs)
	assert.Empty(t, nf)
}

// A -> B -> C -> A: the stem comes back to its origin and dies there.
func TestLoopResistance(t *testing.T) {
	net := newSimNet(t)
	nodes := []*simNode{
		net.addNode("A", simConfig(), 1),
		net.addNode("B", simConfig(), 2),
		net.addNode("C", simConfig(), 3),
	}
	net.link("A", "B")
	net.link("B", "C")
	net.link("C", "A")

	tx := testTx(1)
	_, err := nodes[0].relay.SubmitLocal(tx)
	require.NoError(t, err)
	net.drain()

	stems := net.stemsOf(tx.Hash)
	require.Len(t, stems, 3, "exactly one stem per hop, loop closed at A")
	assert.Equal(t, ids.PeerID("A"), stems[2].to)

	for _, n := range nodes {
		rec, ok := n.relay.State().Lookup(tx.Hash)
		require.True(t, ok)
		assert.Equal(t, PhaseStem, rec.Phase())
	}
	rec, _ := nodes[0].relay.State().Lookup(tx.Hash)
	assert.Equal(t, ids.Self, rec.Origin, "origin record untouched by the returning stem")

	net.advance(testConfig().EmbargoMax + 2*time.Second)
	for _, n := range nodes {
		assert.True(t, n.pool.HasTx(tx.Hash), "%s never got the tx", n.id)
	}
	assert.Len(t, net.stemsOf(tx.Hash), 3, "fluff never re-enters the stem")
}

// The only successor drops everything; the origin fluffs within the max embargo.
func TestBlackHoleResistance(t *testing.T) {
	net := newSimNet(t)
	a := net.addNode("A", simConfig(), 1)
	watcher := net.addNode("W", simConfig(), 2)
	net.link("A", "Z")
	net.link("W", "A")

	tx := testTx(1)
	_, err := a.relay.SubmitLocal(tx)
	require.NoError(t, err)
	net.drain()
	require.Len(t, net.stemsOf(tx.Hash), 1)

	rec, _ := a.relay.State().Lookup(tx.Hash)
	wait := rec.EmbargoDeadline.Sub(net.clock.Now())
	net.advance(wait - time.Second)
	assert.Equal(t, PhaseStem, rec.Phase())
	assert.False(t, watcher.pool.HasTx(tx.Hash))

	net.advance(2 * time.Second)
	_, reason, ok := rec.Promotion()
	require.True(t, ok)
	assert.Equal(t, ReasonEmbargo, reason)
	assert.True(t, watcher.pool.HasTx(tx.Hash))
	assert.LessOrEqual(t, net.clock.Now().Sub(rec.CreatedAt), testConfig().EmbargoMax+2*time.Second)
}

// Transactions from A and from B cross a shared relay R that has two exits.
// Each origin's batch leaves through exactly one exit.
func TestBatchSingleExit(t *testing.T) {
	for seed := int64(1); seed <= 12; seed++ {
		t.Run(fmt.Sprintf("seed-%d", seed), func(t *testing.T) {
			net := newSimNet(t)
			a := net.addNode("A", simConfig(), seed*10+1)
			b := net.addNode("B", simConfig(), seed*10+2)
			net.addNode("R", simConfig(), seed*10+3)
			e1 := net.addNode("E1", simConfig(), seed*10+4)
			e2 := net.addNode("E2", simConfig(), seed*10+5)
			net.link("A", "R")
			net.link("B", "R")
			net.link("R", "E1")
			net.link("R", "E2")

			batches := map[*simNode][]mempool.Transaction{}
			for i := 0; i < 3; i++ {
				batches[a] = append(batches[a], testTx(100*int(seed)+i))
				batches[b] = append(batches[b], testTx(100*int(seed)+50+i))
			}
			for origin, txs := range batches {
				for _, tx := range txs {
					_, err := origin.relay.SubmitLocal(tx)
					require.NoError(t, err)
				}
			}
			net.drain()

			for origin, txs := range batches {
				exits := map[ids.PeerID]bool{}
				for _, tx := range txs {
					for _, e := range []*simNode{e1, e2} {
						rec, ok := e.relay.State().Lookup(tx.Hash)
						if !ok {
							continue
						}
						_, reason, promoted := rec.Promotion()
						require.True(t, promoted)
						assert.Equal(t, ReasonNoRoute, reason)
						exits[e.id] = true
					}
				}
				assert.Len(t, exits, 1, "batch from %s split across exits", origin.id)
			}
		})
	}
}

// Embargo expiry, an inv and a tx for the same stem record race; the tx is
// handed to flood relay once.
func TestConcurrentTriggersFluffOnce(t *testing.T) {
	net := newSimNet(t)
	a := net.addNode("A", simConfig(), 1)
	net.link("A", "Z")
	net.link("P", "A")

	tx := testTx(1)
	_, err := a.relay.SubmitLocal(tx)
	require.NoError(t, err)
	rec, _ := a.relay.State().Lookup(tx.Hash)
	net.clock.Advance(rec.EmbargoDeadline.Sub(net.clock.Now()))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(3)
		go func() { defer wg.Done(); a.relay.Tick() }()
		go func() { defer wg.Done(); _ = a.relay.HandleInv("P", []ids.ID{tx.Hash}) }()
		go func() { defer wg.Done(); _ = a.relay.HandleTx("P", tx) }()
	}
	wg.Wait()

	assert.Equal(t, PhaseFluff, rec.Phase())
	total := 0
	for _, n := range a.relay.State().Stats().Promotions {
		total += n
	}
	assert.Equal(t, 1, total)
	assert.Equal(t, 1, a.audit.Count(audit.EventPromoted))
	net.mu.Lock()
	invs := 0
	for _, m := range net.queue {
		if m.cmd == "inv" && m.to == "P" {
			invs++
		}
	}
	net.mu.Unlock()
	assert.Equal(t, 1, invs, "one fluff announcement")
}

// A getdata for a hash never seen and for a stemming hash look the same.
func TestUnseenHashIndistinguishable(t *testing.T) {
	net := newSimNet(t)
	a := net.addNode("A", simConfig(), 1)
	net.link("A", "Z")

	stem := testTx(1)
	_, err := a.relay.SubmitLocal(stem)
	require.NoError(t, err)
	net.drain()

	unseen := testTx(2)
	txs1, nf1 := net.probe("S", a, stem.Hash)
	txs2, nf2 := net.probe("S", a, unseen.Hash)
	assert.Empty(t, txs1)
	assert.Empty(t, txs2)
	assert.Equal(t, []ids.ID{stem.Hash}, nf1)
	assert.Equal(t, []ids.ID{unseen.Hash}, nf2)
}

func TestObservedFluffPromotes(t *testing.T) {
	net := newSimNet(t)
	a := net.addNode("A", simConfig(), 1)
	net.link("A", "Z")
	net.link("P", "A")

	tx := testTx(1)
	_, err := a.relay.SubmitLocal(tx)
	require.NoError(t, err)
	net.drain()

	require.NoError(t, a.relay.HandleInv("P", []ids.ID{tx.Hash}))
	rec, _ := a.relay.State().Lookup(tx.Hash)
	_, reason, ok := rec.Promotion()
	require.True(t, ok)
	assert.Equal(t, ReasonObservedFluff, reason)
	assert.True(t, a.pool.HasTx(tx.Hash))
	assert.Empty(t, net.sent("P", "getdata"), "a known hash is never requested")
}

func TestNoRouteFluffsImmediately(t *testing.T) {
	net := newSimNet(t)
	a := net.addNode("A", simConfig(), 1)
	net.link("P", "A") // inbound only

	tx := testTx(1)
	phase, err := a.relay.SubmitLocal(tx)
	require.NoError(t, err)
	assert.Equal(t, PhaseFluff, phase)
	net.drain()
	assert.Len(t, net.sent("P", "inv"), 1)
	assert.Empty(t, net.stemsOf(tx.Hash))
}

func TestStemSendFailurePromotes(t *testing.T) {
	net := newSimNet(t)
	a := net.addNode("A", simConfig(), 1)
	net.link("A", "Z")
	net.failSend["Z"] = true

	tx := testTx(1)
	phase, err := a.relay.SubmitLocal(tx)
	require.NoError(t, err)
	assert.Equal(t, PhaseFluff, phase)
	rec, _ := a.relay.State().Lookup(tx.Hash)
	_, reason, _ := rec.Promotion()
	assert.Equal(t, ReasonSendFailed, reason)
	assert.True(t, a.pool.HasTx(tx.Hash))
}

func TestDisabledNodeTreatsStemAsFluff(t *testing.T) {
	net := newSimNet(t)
	cfg := simConfig()
	cfg.Enabled = false
	legacy := net.addNode("L", cfg, 1)
	net.link("L", "X")
	net.link("P", "L")

	tx := testTx(1)
	require.NoError(t, legacy.relay.HandleStem("P", tx))
	net.drain()

	_, ok := legacy.relay.State().Lookup(tx.Hash)
	assert.False(t, ok)
	assert.True(t, legacy.pool.HasTx(tx.Hash))
	assert.Len(t, net.sent("X", "inv"), 1)
	assert.Empty(t, net.sent("P", "inv"), "not echoed to the sender")

	local := testTx(2)
	phase, err := legacy.relay.SubmitLocal(local)
	require.NoError(t, err)
	assert.Equal(t, PhaseFluff, phase)
}

func TestStemProbabilityZero(t *testing.T) {
	net := newSimNet(t)
	cfg := simConfig()
	cfg.StemProbability = 0
	a := net.addNode("A", cfg, 1)
	net.link("A", "B")

	tx := testTx(1)
	phase, err := a.relay.SubmitLocal(tx)
	require.NoError(t, err)
	assert.Equal(t, PhaseFluff, phase)
	net.drain()
	assert.Empty(t, net.stemsOf(tx.Hash))
	assert.Len(t, net.sent("B", "inv"), 1)

	_, err = a.relay.SubmitLocal(tx)
	assert.ErrorIs(t, err, ErrAlreadyKnown)
}

func TestDiffuserFluffsRelayedStems(t *testing.T) {
	net := newSimNet(t)
	cfg := simConfig()
	cfg.RelayFluffProbability = 1
	d := net.addNode("D", cfg, 1)
	net.link("D", "N")
	net.link("P", "D")

	relayed := testTx(1)
	require.NoError(t, d.relay.HandleStem("P", relayed))
	rec, _ := d.relay.State().Lookup(relayed.Hash)
	_, reason, _ := rec.Promotion()
	assert.Equal(t, ReasonDiffuser, reason)

	own := testTx(2)
	phase, err := d.relay.SubmitLocal(own)
	require.NoError(t, err)
	assert.Equal(t, PhaseStem, phase, "local transactions still stem")
}

// A sender-chosen timestamp neither travels with the stem nor ages the tx
// out of the pool once it fluffs.
func TestReceivedTxStampedLocally(t *testing.T) {
	net := newSimNet(t)
	cfg := simConfig()
	cfg.RelayFluffProbability = 0
	b := net.addNode("B", cfg, 1)
	net.link("B", "Z")
	net.link("X", "B")

	tx := testTx(1)
	tx.Timestamp = 1
	require.NoError(t, b.relay.HandleStem("X", tx))
	net.drain()

	stems := net.stemsOf(tx.Hash)
	require.Len(t, stems, 1)
	assert.Equal(t, ids.PeerID("Z"), stems[0].to)
	assert.Equal(t, net.clock.Now().Unix(), stems[0].tx.Timestamp)

	net.advance(cfg.EmbargoMax + 2*time.Second)
	require.True(t, b.pool.HasTx(tx.Hash))
	assert.Zero(t, b.pool.PurgeExpired(30*time.Minute, net.clock.Now()))
	assert.True(t, b.pool.HasTx(tx.Hash))

	fluffed := testTx(2)
	fluffed.Timestamp = 1
	require.NoError(t, b.relay.HandleTx("X", fluffed))
	got, ok := b.pool.GetTx(fluffed.Hash)
	require.True(t, ok)
	assert.Equal(t, net.clock.Now().Unix(), got.Timestamp)
}

func TestMalformedStemRejected(t *testing.T) {
	net := newSimNet(t)
	a := net.addNode("A", simConfig(), 1)
	net.link("A", "Z")

	bad := mempool.NewTransaction([]byte(`{"version":0}`))
	err := a.relay.HandleStem("P", bad)
	assert.ErrorIs(t, err, validation.ErrMalformedTx)
	_, ok := a.relay.State().Lookup(bad.Hash)
	assert.False(t, ok)
	assert.Equal(t, 1, a.audit.Count(audit.EventMalformed))
}

func TestInvRequestsUnknownOnce(t *testing.T) {
	net := newSimNet(t)
	a := net.addNode("A", simConfig(), 1)
	net.link("P", "A")
	net.link("Q", "A")

	h := testTx(9).Hash
	require.NoError(t, a.relay.HandleInv("P", []ids.ID{h}))
	require.NoError(t, a.relay.HandleInv("Q", []ids.ID{h}))
	net.drain()
	assert.Len(t, net.sent("P", "getdata"), 1)
	assert.Empty(t, net.sent("Q", "getdata"), "already in flight")

	a.relay.HandleNotFound("P", []ids.ID{h})
	require.NoError(t, a.relay.HandleInv("Q", []ids.ID{h}))
	net.drain()
	assert.Len(t, net.sent("Q", "getdata"), 1)
}

func TestOperatorFluff(t *testing.T) {
	net := newSimNet(t)
	a := net.addNode("A", simConfig(), 1)
	net.link("A", "Z")

	tx := testTx(1)
	_, err := a.relay.SubmitLocal(tx)
	require.NoError(t, err)

	ok, err := a.relay.Fluff(tx.Hash)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = a.relay.Fluff(tx.Hash)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = a.relay.Fluff(testTx(2).Hash)
	assert.ErrorIs(t, err, ErrUnknownTx)
}
