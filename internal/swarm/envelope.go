// Package swarm federates peer instances: WebSocket signaling, brokered peer
// links, LWW state reconciliation, task delegation, and majority consensus.
// The link transport is pluggable; the envelope, LWW, task, and consensus
// contracts do not depend on it.
package swarm

import (
	"encoding/json"
	"time"

	"github.com/clocksmith/reploid/internal/errdefs"
)

// ProtocolVersion gates envelope compatibility: mismatches drop.
const ProtocolVersion = 1

// MaxPayloadSize caps a data-channel payload at 64 KiB.
const MaxPayloadSize = 64 * 1024

// Data-channel message types.
const (
	MsgSyncRequest    = "sync-request"
	MsgSyncState      = "sync-state"
	MsgTaskDelegation = "task-delegation"
	MsgTaskComplete   = "task-complete-" // + task id
	MsgKnowledgeShare = "knowledge-share"
	MsgConsensusReq   = "consensus-request"
	MsgConsensusVote  = "consensus-vote-" // + proposal id
	MsgPing           = "ping"
	MsgPong           = "pong"
)

// Envelope is the protocol-versioned wrapper for every data-channel message.
type Envelope struct {
	ProtocolVersion int             `json:"protocolVersion"`
	Type            string          `json:"type"`
	PeerID          string          `json:"peerId"`
	Timestamp       int64           `json:"timestamp"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	PayloadSize     int             `json:"payloadSize"`
}

// NewEnvelope wraps a payload, enforcing the size cap.
func NewEnvelope(msgType, peerID string, payload interface{}) (*Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, errdefs.Wrap(errdefs.ErrValidation, "swarm: marshal payload: %v", err)
		}
		raw = data
	}
	if len(raw) > MaxPayloadSize {
		return nil, errdefs.Wrap(errdefs.ErrTooLarge, "swarm: payload %d bytes exceeds %d", len(raw), MaxPayloadSize)
	}
	return &Envelope{
		ProtocolVersion: ProtocolVersion,
		Type:            msgType,
		PeerID:          peerID,
		Timestamp:       time.Now().UnixMilli(),
		Payload:         raw,
		PayloadSize:     len(raw),
	}, nil
}

// Accept validates an inbound envelope. Version mismatch and oversize both
// drop the message.
func (e *Envelope) Accept() error {
	if e.ProtocolVersion != ProtocolVersion {
		return errdefs.Wrap(errdefs.ErrValidation, "swarm: protocol version %d (want %d)", e.ProtocolVersion, ProtocolVersion)
	}
	if len(e.Payload) > MaxPayloadSize {
		return errdefs.Wrap(errdefs.ErrTooLarge, "swarm: payload %d bytes", len(e.Payload))
	}
	return nil
}
