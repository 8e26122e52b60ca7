package networking

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"stemrelay/core/audit"
	"stemrelay/core/config"
	"stemrelay/core/logx"
	"stemrelay/core/mempool"
	"stemrelay/core/peers"
	"stemrelay/core/validation"
	"stemrelay/core/wire"
	"stemrelay/types/ids"
)

var (
	ErrPeerNotConnected = errors.New("networking: peer not connected")
	ErrQueueFull        = errors.New("networking: send queue full")
	ErrBanned           = errors.New("networking: peer banned")
	ErrSelfConnect      = errors.New("networking: connected to self")
)

const (
	handshakeTimeout = 10 * time.Second
	defaultQueueSize = 256
)

// Handler receives relay messages from peers. Implemented by the dandelion
// relay.
type Handler interface {
	HandleStem(from ids.PeerID, tx mempool.Transaction) error
	HandleTx(from ids.PeerID, tx mempool.Transaction) error
	HandleInv(from ids.PeerID, hashes []ids.ID) error
	HandleGetData(from ids.PeerID, hashes []ids.ID) error
	HandleNotFound(from ids.PeerID, hashes []ids.ID)
	PeerConnected(peer ids.PeerID)
	PeerDisconnected(peer ids.PeerID)
}

type Options struct {
	ListenAddr string
	NodeID     string
	UserAgent  string
	Services   uint64
	Transport  Transport
	Bans       BanStore
	Limits     config.LimitsConfig
	Audit      audit.AuditLogger
	QueueSize  int
}

type peerConn struct {
	id        ids.PeerID
	host      string
	conn      Conn
	out       chan wire.Message
	done      chan struct{}
	closeOnce sync.Once
}

func (p *peerConn) close() bool {
	closed := false
	p.closeOnce.Do(func() {
		close(p.done)
		p.conn.Close()
		closed = true
	})
	return closed
}

// Network owns peer connections: handshake, per-peer send queues, the read
// loop that feeds the Handler, and ban enforcement.
type Network struct {
	opts      Options
	transport Transport
	peers     *peers.PeerSet
	bans      *BanList
	limiter   *RateLimiter
	malformed *RateLimiter
	audit     audit.AuditLogger
	log       zerolog.Logger

	mu       sync.Mutex
	conns    map[ids.PeerID]*peerConn
	handler  Handler
	listener Listener

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewNetwork(opts Options) *Network {
	if opts.Transport == nil {
		opts.Transport = TCPTransport{}
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.Audit == nil {
		opts.Audit = audit.Fanout{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Network{
		opts:      opts,
		transport: opts.Transport,
		peers:     peers.NewPeerSet(),
		bans:      NewBanList(opts.Bans),
		limiter:   NewRateLimiter(rateLimitWindow, opts.Limits.MaxMessagesPerMinute),
		malformed: NewRateLimiter(rateLimitWindow, opts.Limits.MalformedBanThreshold),
		audit:     opts.Audit,
		log:       logx.New("p2p"),
		conns:     make(map[ids.PeerID]*peerConn),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Peers is the live peer registry.
func (n *Network) Peers() *peers.PeerSet { return n.peers }

func (n *Network) Bans() *BanList { return n.bans }

func (n *Network) SetHandler(h Handler) {
	n.mu.Lock()
	n.handler = h
	n.mu.Unlock()
}

func (n *Network) getHandler() Handler {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.handler
}

// Start listens for incoming peers.
func (n *Network) Start() error {
	ln, err := n.transport.Listen(n.opts.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s %s: %w", n.transport.Name(), n.opts.ListenAddr, err)
	}
	n.mu.Lock()
	n.listener = ln
	n.mu.Unlock()
	n.log.Info().Str("addr", ln.Addr()).Str("transport", n.transport.Name()).Msg("listening")

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		for {
			conn, err := ln.Accept(n.ctx)
			if err != nil {
				if n.ctx.Err() != nil {
					return
				}
				n.log.Debug().Err(err).Msg("accept")
				if errors.Is(err, net.ErrClosed) {
					return
				}
				continue
			}
			go n.handleIncoming(conn)
		}
	}()
	return nil
}

// Addr is the bound listen address, valid after Start.
func (n *Network) Addr() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.listener == nil {
		return n.opts.ListenAddr
	}
	return n.listener.Addr()
}

func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

func (n *Network) localHello() wire.Hello {
	return wire.Hello{
		NodeID:     n.opts.NodeID,
		ListenAddr: n.Addr(),
		UserAgent:  n.opts.UserAgent,
		Services:   n.opts.Services,
		Timestamp:  time.Now().UTC(),
	}
}

// handleIncoming handles an incoming connection from a peer
func (n *Network) handleIncoming(conn Conn) {
	host := hostOf(conn.RemoteAddr())
	if n.bans.IsBanned(host) {
		n.log.Info().Str("peer", host).Msg("rejected banned peer")
		conn.Close()
		return
	}

	conn.SetDeadline(time.Now().Add(handshakeTimeout))
	r := wire.NewReader(conn)
	peerHello, err := readHello(r)
	if err != nil {
		n.log.Debug().Err(err).Str("peer", conn.RemoteAddr()).Msg("handshake failed")
		conn.Close()
		return
	}
	// two-way handshake: answer with our own hello
	if err := wire.WriteMessage(conn, wire.NewHello(n.localHello())); err != nil {
		conn.Close()
		return
	}
	if peerHello.NodeID != "" && peerHello.NodeID == n.opts.NodeID {
		// the dialer sees our node id and gives up
		conn.Close()
		return
	}
	conn.SetDeadline(time.Time{})
	n.register(conn, r, peerHello, false)
}

func readHello(r *wire.Reader) (wire.Hello, error) {
	m, err := r.ReadMessage()
	if err != nil {
		return wire.Hello{}, err
	}
	if m.Command != wire.CmdHello {
		return wire.Hello{}, fmt.Errorf("%w: expected hello, got %s", wire.ErrMalformedMessage, m.Command)
	}
	return *m.Hello, nil
}

// Connect dials addr, exchanges hellos and returns the new peer's id.
func (n *Network) Connect(ctx context.Context, addr string) (ids.PeerID, error) {
	if n.bans.IsBanned(hostOf(addr)) {
		return "", fmt.Errorf("%w: %s", ErrBanned, addr)
	}
	conn, err := n.transport.Dial(ctx, addr)
	if err != nil {
		return "", err
	}
	conn.SetDeadline(time.Now().Add(handshakeTimeout))
	if err := wire.WriteMessage(conn, wire.NewHello(n.localHello())); err != nil {
		conn.Close()
		return "", fmt.Errorf("send hello failed: %w", err)
	}
	r := wire.NewReader(conn)
	peerHello, err := readHello(r)
	if err != nil {
		conn.Close()
		return "", fmt.Errorf("failed to read peer hello: %w", err)
	}
	if peerHello.NodeID != "" && peerHello.NodeID == n.opts.NodeID {
		conn.Close()
		return "", ErrSelfConnect
	}
	conn.SetDeadline(time.Time{})
	return n.register(conn, r, peerHello, true), nil
}

func (n *Network) register(conn Conn, r *wire.Reader, hello wire.Hello, outbound bool) ids.PeerID {
	// Always use the remote address, ignore what the peer claims
	id := ids.PeerID(conn.RemoteAddr())
	pc := &peerConn{
		id:   id,
		host: hostOf(conn.RemoteAddr()),
		conn: conn,
		out:  make(chan wire.Message, n.opts.QueueSize),
		done: make(chan struct{}),
	}
	n.mu.Lock()
	if old, ok := n.conns[id]; ok {
		old.close()
	}
	n.conns[id] = pc
	n.mu.Unlock()

	n.peers.AddPeer(peers.Peer{
		ID:          id,
		NodeID:      hello.NodeID,
		ListenAddr:  hello.ListenAddr,
		UserAgent:   hello.UserAgent,
		Outbound:    outbound,
		StemCapable: hello.StemCapable(),
		ConnectedAt: time.Now().UTC(),
	})
	n.log.Info().Str("peer", id.String()).Str("agent", hello.UserAgent).
		Bool("outbound", outbound).Bool("stem", hello.StemCapable()).Msg("peer connected")
	if h := n.getHandler(); h != nil {
		h.PeerConnected(id)
	}

	n.wg.Add(2)
	go n.writeLoop(pc)
	go n.readLoop(pc, r)
	return id
}

func (n *Network) writeLoop(pc *peerConn) {
	defer n.wg.Done()
	for {
		select {
		case <-pc.done:
			return
		case <-n.ctx.Done():
			return
		case m := <-pc.out:
			if err := wire.WriteMessage(pc.conn, m); err != nil {
				n.log.Debug().Err(err).Str("peer", pc.id.String()).Msg("write failed")
				n.disconnect(pc)
				return
			}
		}
	}
}

func (n *Network) readLoop(pc *peerConn, r *wire.Reader) {
	defer n.wg.Done()
	defer n.disconnect(pc)
	for {
		m, err := r.ReadMessage()
		if err != nil {
			switch {
			case errors.Is(err, wire.ErrUnknownCommand):
				n.log.Debug().Str("peer", pc.id.String()).Msg("unknown command dropped")
				continue
			case errors.Is(err, wire.ErrMalformedMessage):
				if n.strike(pc, err) {
					return
				}
				continue
			default:
				return
			}
		}
		if !n.limiter.Allow(pc.host) {
			n.ban(pc, "rate limit")
			return
		}
		if err := n.dispatch(pc.id, m); err != nil {
			if errors.Is(err, validation.ErrMalformedTx) {
				if n.strike(pc, err) {
					return
				}
				continue
			}
			n.log.Debug().Err(err).Str("peer", pc.id.String()).Str("cmd", m.Command).Msg("handler error")
		}
	}
}

func (n *Network) dispatch(from ids.PeerID, m wire.Message) error {
	h := n.getHandler()
	if h == nil {
		return nil
	}
	switch m.Command {
	case wire.CmdStem:
		return h.HandleStem(from, *m.Tx)
	case wire.CmdTx:
		return h.HandleTx(from, *m.Tx)
	case wire.CmdInv:
		return h.HandleInv(from, m.Hashes())
	case wire.CmdGetData:
		return h.HandleGetData(from, m.Hashes())
	case wire.CmdNotFound:
		h.HandleNotFound(from, m.Hashes())
	case wire.CmdHello:
		// repeated hello is ignored
	}
	return nil
}

// strike counts a malformed message and bans once the count reaches the
// threshold inside the window. It reports whether the peer was banned.
func (n *Network) strike(pc *peerConn, err error) bool {
	count := n.malformed.Hit(pc.host)
	n.log.Warn().Err(err).Str("peer", pc.id.String()).Int("strikes", count).Msg("malformed message")
	if threshold := n.opts.Limits.MalformedBanThreshold; threshold > 0 && count >= threshold {
		n.ban(pc, "malformed messages")
		return true
	}
	return false
}

func (n *Network) ban(pc *peerConn, reason string) {
	dur := n.bans.Ban(pc.host)
	n.malformed.Reset(pc.host)
	ev := audit.NewEvent(audit.EventPeerBanned, pc.host)
	ev.Peer = pc.id.String()
	ev.Reason = reason
	ev.Metadata = map[string]string{"duration": dur.String()}
	n.audit.LogEvent(ev)
	n.disconnect(pc)
}

func (n *Network) disconnect(pc *peerConn) {
	if !pc.close() {
		return
	}
	n.mu.Lock()
	if cur, ok := n.conns[pc.id]; ok && cur == pc {
		delete(n.conns, pc.id)
	}
	n.mu.Unlock()
	n.peers.RemovePeer(pc.id)
	n.log.Info().Str("peer", pc.id.String()).Msg("peer disconnected")
	if h := n.getHandler(); h != nil {
		h.PeerDisconnected(pc.id)
	}
}

// Disconnect closes the connection to peer.
func (n *Network) Disconnect(peer ids.PeerID) error {
	n.mu.Lock()
	pc, ok := n.conns[peer]
	n.mu.Unlock()
	if !ok {
		return ErrPeerNotConnected
	}
	n.disconnect(pc)
	return nil
}

// send queues m for peer without blocking.
func (n *Network) send(peer ids.PeerID, m wire.Message) error {
	n.mu.Lock()
	pc, ok := n.conns[peer]
	n.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrPeerNotConnected, peer)
	}
	select {
	case <-pc.done:
		return fmt.Errorf("%w: %s", ErrPeerNotConnected, peer)
	case pc.out <- m:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrQueueFull, peer)
	}
}

func (n *Network) SendStem(peer ids.PeerID, tx mempool.Transaction) error {
	return n.send(peer, wire.NewStem(tx))
}

func (n *Network) SendTx(peer ids.PeerID, tx mempool.Transaction) error {
	return n.send(peer, wire.NewTx(tx))
}

func (n *Network) SendNotFound(peer ids.PeerID, hashes []ids.ID) error {
	return n.send(peer, wire.NewNotFound(hashes))
}

func (n *Network) SendGetData(peer ids.PeerID, hashes []ids.ID) error {
	return n.send(peer, wire.NewGetData(hashes))
}

func (n *Network) SendInventory(peer ids.PeerID, hashes []ids.ID) error {
	return n.send(peer, wire.NewInv(hashes))
}

// PeerIDs lists connected peers for flood relay.
func (n *Network) PeerIDs() []ids.PeerID {
	return n.peers.IDs()
}

// Close stops listening, drops every peer and waits for the loops to end.
func (n *Network) Close() error {
	n.cancel()
	n.mu.Lock()
	ln := n.listener
	conns := make([]*peerConn, 0, len(n.conns))
	for _, pc := range n.conns {
		conns = append(conns, pc)
	}
	n.mu.Unlock()
	var err error
	if ln != nil {
		err = ln.Close()
	}
	for _, pc := range conns {
		n.disconnect(pc)
	}
	n.wg.Wait()
	return err
}
