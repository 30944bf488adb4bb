// Package p2p implements the PeerDispatcher: inbound framing, handshake,
// protocol-version gating, and routing of the six wire message kinds the
// consensus engine and its embedding node exchange over a duplex,
// WebSocket-based channel.
package p2p

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/quorumchain/quorumchain/internal/core"
)

// MessageType tags the envelope's data shape. Dispatch is a single switch
// over this closed set; there is no open-ended type registry.
type MessageType string

const (
	TypeAddressRequest       MessageType = "ADDRESS_REQUEST"
	TypeAddressResponse      MessageType = "ADDRESS_RESPONSE"
	TypeConsensus            MessageType = "CONSENSUS"
	TypeTransaction          MessageType = "TRANSACTION"
	TypeChainSegmentRequest  MessageType = "CHAIN_SEGMENT_REQUEST"
	TypeChainSegmentResponse MessageType = "CHAIN_SEGMENT_RESPONSE"
)

// DataProtoVer is this build's wire-data schema version. A peer advertising
// a different major version is dropped at the handshake; Envelope carries
// it on every message so mid-stream skew is also caught.
const DataProtoVer = "1.0.0"

// ConsensusProtoVer is the version stamped on CONSENSUS message payloads.
const ConsensusProtoVer = "1.0.0"

// Envelope is the common frame every message is wrapped in. CorrelationID
// lets a handshake or chain-segment request be matched against its response
// without blocking the peer's single read loop: a response copies the
// request's ID rather than minting its own.
type Envelope struct {
	Type          MessageType     `json:"type"`
	DataProtoVer  string          `json:"dataProtoVer"`
	Timestamp     int64           `json:"timestamp"`
	CorrelationID string          `json:"correlationId"`
	Data          json.RawMessage `json:"data"`
}

// AddressBody is the signed payload of a handshake message.
type AddressBody struct {
	Address   core.Address `json:"address"`
	Timestamp int64        `json:"timestamp"`
}

// AddressData is ADDRESS_REQUEST/ADDRESS_RESPONSE's data shape: a signed
// handshake the recipient verifies recovers to the claimed address.
// Handshakes are signed unconditionally; an unsigned one is rejected.
type AddressData struct {
	Body      AddressBody `json:"body"`
	Signature string      `json:"signature"`
}

// ConsensusMessageType discriminates a CONSENSUS envelope's inner message.
type ConsensusMessageType string

const (
	ConsensusPropose ConsensusMessageType = "PROPOSE"
	ConsensusVote    ConsensusMessageType = "VOTE"
)

// ConsensusData is CONSENSUS's data shape: a PROPOSE or VOTE transaction.
type ConsensusData struct {
	Message struct {
		Type              ConsensusMessageType `json:"type"`
		Value             *core.Transaction    `json:"value"`
		ConsensusProtoVer string               `json:"consensusProtoVer"`
	} `json:"message"`
}

// TransactionData is TRANSACTION's data shape: either a single transaction
// or a batch.
type TransactionData struct {
	Transaction *core.Transaction   `json:"transaction,omitempty"`
	TxList      []*core.Transaction `json:"tx_list,omitempty"`
}

// Transactions returns the data's transactions regardless of which of the
// two shapes the sender used.
func (d TransactionData) Transactions() []*core.Transaction {
	if d.Transaction != nil {
		return []*core.Transaction{d.Transaction}
	}
	return d.TxList
}

// ChainSegmentRequestData is CHAIN_SEGMENT_REQUEST's data shape.
type ChainSegmentRequestData struct {
	LastBlock *core.Block `json:"lastBlock"`
}

// ChainSegmentResponseData is CHAIN_SEGMENT_RESPONSE's data shape.
type ChainSegmentResponseData struct {
	ChainSegment []*core.Block `json:"chainSegment"`
	Number       int64         `json:"number"`
	CatchUpInfo  []*core.Block `json:"catchUpInfo"`
}

// decodeData unmarshals env.Data into out, wrapping any error with the
// envelope's type for easier log triage.
func decodeData(env Envelope, out any) error {
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("p2p: decode %s data: %w", env.Type, err)
	}
	return nil
}

func newEnvelope(typ MessageType, timestamp int64, data any) (Envelope, error) {
	return newEnvelopeWithID(typ, uuid.NewString(), timestamp, data)
}

// newEnvelopeWithID builds an envelope carrying a caller-supplied
// correlation ID, for a response that must echo its request's ID.
func newEnvelopeWithID(typ MessageType, correlationID string, timestamp int64, data any) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("p2p: encode %s data: %w", typ, err)
	}
	return Envelope{Type: typ, DataProtoVer: DataProtoVer, Timestamp: timestamp, CorrelationID: correlationID, Data: raw}, nil
}
