package swarm

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// Signaling message types exchanged with the coordination server.
const (
	SigJoin         = "join"
	SigOffer        = "offer"
	SigAnswer       = "answer"
	SigICECandidate = "ice-candidate"
	SigPeerJoined   = "peer-joined"
	SigPeerLeft     = "peer-left"
	SigAnnounce     = "announce"
	SigBroadcast    = "broadcast"
	SigLeave        = "leave"
	SigHeartbeat    = "heartbeat"
	// SigRelay carries a data-channel envelope between two peers through the
	// server. The envelope/task/consensus contracts don't care that the
	// reliable stream happens to be server-relayed.
	SigRelay = "relay"
)

// SignalMessage is the JSON frame on the signaling socket.
type SignalMessage struct {
	Type    string          `json:"type"`
	Room    string          `json:"room,omitempty"`
	From    string          `json:"from,omitempty"`
	To      string          `json:"to,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SignalServer is the bundled coordination server: rooms scope peer
// visibility, and the server relays offers, answers, and data envelopes.
type SignalServer struct {
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	rooms map[string]map[string]*serverClient
}

type serverClient struct {
	peerID string
	room   string
	conn   *websocket.Conn
	sendMu sync.Mutex
}

func (c *serverClient) send(msg SignalMessage) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.conn.WriteJSON(msg)
}

func NewSignalServer() *SignalServer {
	return &SignalServer{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		rooms: make(map[string]map[string]*serverClient),
	}
}

// ServeHTTP upgrades the connection and runs the client loop.
func (s *SignalServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("signal.upgrade_failed", "error", err)
		return
	}
	client := &serverClient{conn: conn}
	defer func() {
		s.drop(client)
		conn.Close()
	}()

	for {
		var msg SignalMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		s.handle(client, msg)
	}
}

func (s *SignalServer) handle(c *serverClient, msg SignalMessage) {
	switch msg.Type {
	case SigJoin:
		s.join(c, msg.Room, msg.From)
	case SigLeave:
		s.drop(c)
	case SigHeartbeat:
		// Liveness only; nothing to forward.
	case SigOffer, SigAnswer, SigICECandidate, SigRelay:
		s.forward(c, msg)
	case SigAnnounce, SigBroadcast:
		s.fanout(c, msg)
	default:
		slog.Debug("signal.unknown_type", "type", msg.Type)
	}
}

func (s *SignalServer) join(c *serverClient, room, peerID string) {
	if room == "" || peerID == "" {
		return
	}
	s.mu.Lock()
	c.room = room
	c.peerID = peerID
	peers, ok := s.rooms[room]
	if !ok {
		peers = make(map[string]*serverClient)
		s.rooms[room] = peers
	}
	others := make([]*serverClient, 0, len(peers))
	for _, other := range peers {
		others = append(others, other)
	}
	peers[peerID] = c
	s.mu.Unlock()

	// Tell existing peers about the newcomer and vice versa.
	for _, other := range others {
		other.send(SignalMessage{Type: SigPeerJoined, Room: room, From: peerID})
		c.send(SignalMessage{Type: SigPeerJoined, Room: room, From: other.peerID})
	}
	slog.Info("signal.joined", "room", room, "peer", peerID)
}

func (s *SignalServer) drop(c *serverClient) {
	s.mu.Lock()
	var peers []*serverClient
	if c.room != "" {
		if room, ok := s.rooms[c.room]; ok {
			if room[c.peerID] == c {
				delete(room, c.peerID)
			}
			if len(room) == 0 {
				delete(s.rooms, c.room)
			} else {
				for _, other := range room {
					peers = append(peers, other)
				}
			}
		}
	}
	s.mu.Unlock()

	for _, other := range peers {
		other.send(SignalMessage{Type: SigPeerLeft, Room: c.room, From: c.peerID})
	}
}

// forward routes a targeted message to one peer in the sender's room.
func (s *SignalServer) forward(c *serverClient, msg SignalMessage) {
	s.mu.RLock()
	var target *serverClient
	if room, ok := s.rooms[c.room]; ok {
		target = room[msg.To]
	}
	s.mu.RUnlock()
	if target == nil {
		return
	}
	msg.From = c.peerID
	msg.Room = c.room
	target.send(msg)
}

// fanout sends a message to every other peer in the room.
func (s *SignalServer) fanout(c *serverClient, msg SignalMessage) {
	s.mu.RLock()
	var targets []*serverClient
	if room, ok := s.rooms[c.room]; ok {
		for id, other := range room {
			if id != c.peerID {
				targets = append(targets, other)
			}
		}
	}
	s.mu.RUnlock()

	msg.From = c.peerID
	msg.Room = c.room
	for _, t := range targets {
		t.send(msg)
	}
}
