package swarm

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/clocksmith/reploid/internal/bus"
	"github.com/clocksmith/reploid/internal/errdefs"
	"github.com/clocksmith/reploid/pkg/protocol"
)

// Defaults per the transport contract.
const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultPeerTTL           = 60 * time.Second
	DefaultReconnectBase     = 5 * time.Second
	DefaultDelegationTimeout = 60 * time.Second
	DefaultConsensusTimeout  = 30 * time.Second
)

// Task is a unit of delegated work.
type Task struct {
	ID           string   `json:"id"`
	Description  string   `json:"description"`
	Requirements []string `json:"requirements,omitempty"`
}

// TaskHandler executes a delegated task on the receiving peer.
type TaskHandler func(ctx context.Context, task Task) (json.RawMessage, error)

// VoteFunc decides this peer's consensus vote on a proposal.
type VoteFunc func(proposal json.RawMessage) bool

// Handler processes one inbound envelope from a peer.
type Handler func(from string, env *Envelope)

// Peer is one known swarm member.
type Peer struct {
	ID           string    `json:"id"`
	Capabilities []string  `json:"capabilities,omitempty"`
	LastSeen     time.Time `json:"lastSeen"`
	Open         bool      `json:"open"`
}

// Config wires a Transport.
type Config struct {
	PeerID       string
	Room         string
	SignalURL    string
	Capabilities []string
	Events       *bus.Bus
	TaskHandler  TaskHandler
	Vote         VoteFunc

	HeartbeatInterval time.Duration
	PeerTTL           time.Duration
	ReconnectBase     time.Duration
	DelegationTimeout time.Duration
	ConsensusTimeout  time.Duration
}

// Transport is one peer's connection to the swarm. The peer table and links
// are mutated only by the transport's own goroutines; external code posts
// through the exported methods.
type Transport struct {
	cfg   Config
	store *LWWStore

	mu       sync.RWMutex
	conn     *websocket.Conn
	writeMu  sync.Mutex
	peers    map[string]*Peer
	handlers map[string]Handler
	pending  map[string]chan *Envelope

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewTransport(cfg Config) *Transport {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.PeerTTL <= 0 {
		cfg.PeerTTL = DefaultPeerTTL
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = DefaultReconnectBase
	}
	if cfg.DelegationTimeout <= 0 {
		cfg.DelegationTimeout = DefaultDelegationTimeout
	}
	if cfg.ConsensusTimeout <= 0 {
		cfg.ConsensusTimeout = DefaultConsensusTimeout
	}
	t := &Transport{
		cfg:      cfg,
		store:    NewLWWStore(cfg.PeerID),
		peers:    make(map[string]*Peer),
		handlers: make(map[string]Handler),
		pending:  make(map[string]chan *Envelope),
	}
	t.registerBuiltinHandlers()
	return t
}

// Store exposes the replicated LWW state.
func (t *Transport) Store() *LWWStore { return t.store }

// OnMessage registers a handler for a data-channel message type. Unknown
// types hit the default handler, which logs and drops.
func (t *Transport) OnMessage(msgType string, h Handler) {
	t.mu.Lock()
	t.handlers[msgType] = h
	t.mu.Unlock()
}

// Peers returns a snapshot of the peer table sorted by id.
func (t *Transport) Peers() []Peer {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Peer, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Connect dials the signaling server, joins the room, and starts the read
// loop and the heartbeat loop (which also prunes stale peers). Reconnection is
// automatic until ctx is done.
func (t *Transport) Connect(ctx context.Context) error {
	t.ctx, t.cancel = context.WithCancel(ctx)
	if err := t.dial(); err != nil {
		return err
	}
	t.wg.Add(2)
	go t.readLoop()
	go t.heartbeatLoop()
	return nil
}

// Close leaves the room and stops all loops.
func (t *Transport) Close() {
	if t.cancel == nil {
		return
	}
	t.sendSignal(SignalMessage{Type: SigLeave})
	t.cancel()
	t.mu.Lock()
	if t.conn != nil {
		t.conn.Close(websocket.StatusNormalClosure, "leaving")
	}
	t.mu.Unlock()
	t.wg.Wait()
}

func (t *Transport) dial() error {
	dialCtx, cancel := context.WithTimeout(t.ctx, 10*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, t.cfg.SignalURL, &websocket.DialOptions{
		HTTPClient: &http.Client{},
	})
	if err != nil {
		return errdefs.Wrap(errdefs.ErrTransient, "swarm: dial %s: %v", t.cfg.SignalURL, err)
	}
	conn.SetReadLimit(1 << 20)

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()

	t.sendSignal(SignalMessage{Type: SigJoin, Room: t.cfg.Room, From: t.cfg.PeerID})
	t.announce()
	return nil
}

func (t *Transport) announce() {
	caps, _ := json.Marshal(map[string]interface{}{"capabilities": t.cfg.Capabilities})
	t.sendSignal(SignalMessage{Type: SigAnnounce, Payload: caps})
}

func (t *Transport) sendSignal(msg SignalMessage) error {
	t.mu.RLock()
	conn := t.conn
	t.mu.RUnlock()
	if conn == nil {
		return errdefs.Wrap(errdefs.ErrTransient, "swarm: not connected")
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	writeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

// readLoop consumes signaling frames; on connection loss it reconnects with
// exponential backoff, rejoins the room, and reannounces capabilities. The
// peer table survives reconnects.
func (t *Transport) readLoop() {
	defer t.wg.Done()
	backoff := t.cfg.ReconnectBase

	for {
		t.mu.RLock()
		conn := t.conn
		t.mu.RUnlock()
		if conn == nil {
			return
		}

		_, data, err := conn.Read(t.ctx)
		if err != nil {
			if t.ctx.Err() != nil {
				return
			}
			slog.Warn("swarm.signaling_lost", "peer", t.cfg.PeerID, "error", err)
			for t.ctx.Err() == nil {
				select {
				case <-t.ctx.Done():
					return
				case <-time.After(backoff):
				}
				if err := t.dial(); err == nil {
					backoff = t.cfg.ReconnectBase
					break
				}
				backoff *= 2
			}
			continue
		}

		var msg SignalMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		t.handleSignal(msg)
	}
}

func (t *Transport) handleSignal(msg SignalMessage) {
	switch msg.Type {
	case SigPeerJoined:
		t.touchPeer(msg.From, nil, false)
		// Initiator side of the link handshake: offer our capabilities.
		caps, _ := json.Marshal(map[string]interface{}{"capabilities": t.cfg.Capabilities})
		t.sendSignal(SignalMessage{Type: SigOffer, To: msg.From, Payload: caps})
		if t.cfg.Events != nil {
			t.cfg.Events.Emit(protocol.TopicPeerJoined, map[string]interface{}{"peer": msg.From})
		}

	case SigPeerLeft:
		t.removePeer(msg.From)

	case SigOffer:
		t.touchPeer(msg.From, capsFrom(msg.Payload), false)
		caps, _ := json.Marshal(map[string]interface{}{"capabilities": t.cfg.Capabilities})
		t.sendSignal(SignalMessage{Type: SigAnswer, To: msg.From, Payload: caps})

	case SigAnswer:
		// Link open: first thing on a fresh channel is a sync request.
		t.touchPeer(msg.From, capsFrom(msg.Payload), true)
		t.sendTo(msg.From, MsgSyncRequest, nil)

	case SigICECandidate:
		// Relay transport has no candidates to negotiate; accepted for
		// protocol compatibility.

	case SigAnnounce:
		t.touchPeer(msg.From, capsFrom(msg.Payload), true)

	case SigRelay, SigBroadcast:
		var env Envelope
		if err := json.Unmarshal(msg.Payload, &env); err != nil {
			return
		}
		if err := env.Accept(); err != nil {
			slog.Debug("swarm.envelope_dropped", "from", msg.From, "error", err)
			return
		}
		t.touchPeer(msg.From, nil, true)
		t.dispatch(msg.From, &env)
	}
}

func capsFrom(payload json.RawMessage) []string {
	var data struct {
		Capabilities []string `json:"capabilities"`
	}
	if payload != nil {
		json.Unmarshal(payload, &data)
	}
	return data.Capabilities
}

func (t *Transport) touchPeer(id string, caps []string, open bool) {
	if id == "" || id == t.cfg.PeerID {
		return
	}
	t.mu.Lock()
	p, ok := t.peers[id]
	if !ok {
		p = &Peer{ID: id}
		t.peers[id] = p
	}
	if caps != nil {
		p.Capabilities = caps
	}
	if open {
		p.Open = true
	}
	p.LastSeen = time.Now()
	t.mu.Unlock()
}

func (t *Transport) removePeer(id string) {
	t.mu.Lock()
	delete(t.peers, id)
	t.mu.Unlock()
	if t.cfg.Events != nil {
		t.cfg.Events.Emit(protocol.TopicPeerLeft, map[string]interface{}{"peer": id})
	}
}

func (t *Transport) heartbeatLoop() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			t.sendSignal(SignalMessage{Type: SigHeartbeat})
			t.Broadcast(MsgPing, nil)
			t.prunePeers()
		}
	}
}

func (t *Transport) prunePeers() {
	cutoff := time.Now().Add(-t.cfg.PeerTTL)
	t.mu.Lock()
	var pruned []string
	for id, p := range t.peers {
		if p.LastSeen.Before(cutoff) {
			delete(t.peers, id)
			pruned = append(pruned, id)
		}
	}
	t.mu.Unlock()
	for _, id := range pruned {
		slog.Info("swarm.peer_pruned", "peer", id)
		if t.cfg.Events != nil {
			t.cfg.Events.Emit(protocol.TopicPeerLeft, map[string]interface{}{"peer": id, "pruned": true})
		}
	}
}

// sendTo relays one envelope to a single peer.
func (t *Transport) sendTo(peerID, msgType string, payload interface{}) error {
	env, err := NewEnvelope(msgType, t.cfg.PeerID, payload)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return t.sendSignal(SignalMessage{Type: SigRelay, To: peerID, Payload: raw})
}

// Broadcast sends an envelope to every open peer. Returns the number of
// peers addressed; zero peers is a no-op.
func (t *Transport) Broadcast(msgType string, payload interface{}) int {
	t.mu.RLock()
	var targets []string
	for id, p := range t.peers {
		if p.Open {
			targets = append(targets, id)
		}
	}
	t.mu.RUnlock()
	if len(targets) == 0 {
		return 0
	}

	env, err := NewEnvelope(msgType, t.cfg.PeerID, payload)
	if err != nil {
		return 0
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return 0
	}
	t.sendSignal(SignalMessage{Type: SigBroadcast, Payload: raw})
	return len(targets)
}

// SyncNow requests state from every open peer.
func (t *Transport) SyncNow() int {
	return t.Broadcast(MsgSyncRequest, nil)
}
