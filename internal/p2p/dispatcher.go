package p2p

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/quorumchain/quorumchain/internal/consensus"
	"github.com/quorumchain/quorumchain/internal/core"
	"github.com/quorumchain/quorumchain/internal/crypto"
	"github.com/quorumchain/quorumchain/internal/mempool"
)

var (
	ErrVersionIncompatible = errors.New("p2p: peer protocol major version is incompatible")
	ErrHandshakeFailed     = errors.New("p2p: handshake signature does not recover to claimed address")
)

// acceptanceWindow bounds how stale a message's timestamp may be before it
// is dropped outright.
const acceptanceWindow = 2 * time.Minute

type peerConn struct {
	addr core.Address
	conn *websocket.Conn
	mu   sync.Mutex // gorilla connections are not safe for concurrent writers
}

func (p *peerConn) writeJSON(v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn.WriteJSON(v)
}

// Dispatcher is the PeerDispatcher: it owns every peer socket, performs the
// signed handshake, gates on protocol version, and routes each of the six
// wire message kinds to the consensus engine or mempool. It implements
// consensus.Transport.
type Dispatcher struct {
	logger   *zap.Logger
	selfAddr core.Address
	selfKey  *crypto.KeyPair

	dialer   websocket.Dialer
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	peers map[core.Address]*peerConn

	engine  *consensus.Engine
	mempool *mempool.Pool

	now func() int64
}

// New returns a Dispatcher with no peers and no engine attached. Call
// SetEngine once the consensus engine has been constructed — the engine
// itself needs a Transport at construction time, so the embedding binary
// wires the two together in two steps.
func New(selfAddr core.Address, selfKey *crypto.KeyPair, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		logger:   logger.Named("dispatcher"),
		selfAddr: selfAddr,
		selfKey:  selfKey,
		dialer:   websocket.Dialer{EnableCompression: true},
		upgrader: websocket.Upgrader{EnableCompression: true},
		peers:    map[core.Address]*peerConn{},
		now:      func() int64 { return time.Now().UnixMilli() },
	}
}

// SetEngine attaches the consensus engine and its mempool as the routing
// target for inbound messages.
func (d *Dispatcher) SetEngine(e *consensus.Engine) {
	d.engine = e
	d.mempool = e.Mempool()
}

// Upgrader exposes the configured websocket.Upgrader so an HTTP handler can
// call Upgrade directly, keeping the embedding binary's server loop free of
// any other gorilla dependency.
func (d *Dispatcher) Upgrader() *websocket.Upgrader { return &d.upgrader }

// Accept takes an already-upgraded connection, performs the inbound half of
// the signed handshake, and starts its read loop.
func (d *Dispatcher) Accept(conn *websocket.Conn) error {
	peerAddr, err := d.handshakeInbound(conn)
	if err != nil {
		conn.Close()
		return err
	}
	d.registerPeer(peerAddr, conn)
	go d.readLoop(peerAddr, conn)
	return nil
}

// Dial opens an outbound connection to url, performs the handshake, and
// starts its read loop.
func (d *Dispatcher) Dial(ctx context.Context, url string) (core.Address, error) {
	conn, _, err := d.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return "", fmt.Errorf("p2p: dial %s: %w", url, err)
	}
	peerAddr, err := d.handshakeOutbound(conn)
	if err != nil {
		conn.Close()
		return "", err
	}
	d.registerPeer(peerAddr, conn)
	go d.readLoop(peerAddr, conn)
	return peerAddr, nil
}

func (d *Dispatcher) registerPeer(addr core.Address, conn *websocket.Conn) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.peers[addr] = &peerConn{addr: addr, conn: conn}
}

func (d *Dispatcher) signedAddressData() (AddressData, error) {
	body := AddressBody{Address: d.selfAddr, Timestamp: d.now()}
	raw, err := json.Marshal(body)
	if err != nil {
		return AddressData{}, err
	}
	sig, err := crypto.Sign(raw, d.selfKey)
	if err != nil {
		return AddressData{}, err
	}
	return AddressData{Body: body, Signature: sig}, nil
}

func (d *Dispatcher) handshakeOutbound(conn *websocket.Conn) (core.Address, error) {
	reqData, err := d.signedAddressData()
	if err != nil {
		return "", err
	}
	env, err := newEnvelope(TypeAddressRequest, d.now(), reqData)
	if err != nil {
		return "", err
	}
	if err := conn.WriteJSON(env); err != nil {
		return "", fmt.Errorf("p2p: send handshake request: %w", err)
	}

	var respEnv Envelope
	if err := conn.ReadJSON(&respEnv); err != nil {
		return "", fmt.Errorf("p2p: read handshake response: %w", err)
	}
	if respEnv.Type != TypeAddressResponse {
		return "", fmt.Errorf("%w: expected ADDRESS_RESPONSE, got %s", ErrHandshakeFailed, respEnv.Type)
	}
	if !versionCompatible(respEnv.DataProtoVer) {
		return "", fmt.Errorf("%w: %s", ErrVersionIncompatible, respEnv.DataProtoVer)
	}
	var data AddressData
	if err := decodeData(respEnv, &data); err != nil {
		return "", err
	}
	return d.verifyHandshakeData(data)
}

func (d *Dispatcher) handshakeInbound(conn *websocket.Conn) (core.Address, error) {
	var reqEnv Envelope
	if err := conn.ReadJSON(&reqEnv); err != nil {
		return "", fmt.Errorf("p2p: read handshake request: %w", err)
	}
	if reqEnv.Type != TypeAddressRequest {
		return "", fmt.Errorf("%w: expected ADDRESS_REQUEST, got %s", ErrHandshakeFailed, reqEnv.Type)
	}
	if !versionCompatible(reqEnv.DataProtoVer) {
		return "", fmt.Errorf("%w: %s", ErrVersionIncompatible, reqEnv.DataProtoVer)
	}
	var data AddressData
	if err := decodeData(reqEnv, &data); err != nil {
		return "", err
	}
	peerAddr, err := d.verifyHandshakeData(data)
	if err != nil {
		return "", err
	}

	respData, err := d.signedAddressData()
	if err != nil {
		return "", err
	}
	respEnv, err := newEnvelopeWithID(TypeAddressResponse, reqEnv.CorrelationID, d.now(), respData)
	if err != nil {
		return "", err
	}
	if err := conn.WriteJSON(respEnv); err != nil {
		return "", fmt.Errorf("p2p: send handshake response: %w", err)
	}
	return peerAddr, nil
}

func (d *Dispatcher) verifyHandshakeData(data AddressData) (core.Address, error) {
	if !withinWindow(data.Body.Timestamp, d.now()) {
		return "", fmt.Errorf("p2p: handshake timestamp outside acceptance window")
	}
	raw, err := json.Marshal(data.Body)
	if err != nil {
		return "", err
	}
	if err := crypto.Verify(raw, data.Signature, string(data.Body.Address)); err != nil {
		return "", fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	return data.Body.Address, nil
}

func versionCompatible(remote string) bool {
	if remote == "" {
		return false
	}
	remoteMajor := strings.SplitN(remote, ".", 2)[0]
	localMajor := strings.SplitN(DataProtoVer, ".", 2)[0]
	return remoteMajor == localMajor
}

func withinWindow(ts, now int64) bool {
	delta := now - ts
	if delta < 0 {
		delta = -delta
	}
	return time.Duration(delta)*time.Millisecond <= acceptanceWindow
}

func (d *Dispatcher) readLoop(peerAddr core.Address, conn *websocket.Conn) {
	defer func() {
		d.mu.Lock()
		delete(d.peers, peerAddr)
		d.mu.Unlock()
		conn.Close()
	}()
	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			d.logger.Debug("peer connection closed", zap.String("peer", string(peerAddr)), zap.Error(err))
			return
		}
		if !versionCompatible(env.DataProtoVer) {
			d.logger.Warn("dropping message with incompatible protocol version",
				zap.String("peer", string(peerAddr)), zap.String("version", env.DataProtoVer))
			continue
		}
		if !withinWindow(env.Timestamp, d.now()) {
			d.logger.Debug("dropping stale message", zap.String("peer", string(peerAddr)), zap.String("type", string(env.Type)))
			continue
		}
		d.handle(peerAddr, env)
	}
}

func (d *Dispatcher) handle(from core.Address, env Envelope) {
	switch env.Type {
	case TypeConsensus:
		d.handleConsensus(env)
	case TypeTransaction:
		d.handleTransaction(env)
	case TypeChainSegmentRequest:
		d.handleChainSegmentRequest(from, env)
	case TypeChainSegmentResponse:
		d.handleChainSegmentResponse(env)
	default:
		d.logger.Warn("dropping unexpected message type on an established connection", zap.String("type", string(env.Type)))
	}
}

func (d *Dispatcher) handleConsensus(env Envelope) {
	var data ConsensusData
	if err := decodeData(env, &data); err != nil || data.Message.Value == nil {
		d.logger.Warn("malformed consensus message, dropped", zap.Error(err))
		return
	}
	switch data.Message.Type {
	case ConsensusPropose:
		if err := d.engine.HandleProposal(data.Message.Value); err != nil {
			d.logger.Debug("proposal rejected", zap.Error(err))
		}
	case ConsensusVote:
		if err := d.engine.HandleVote(data.Message.Value); err != nil {
			d.logger.Debug("vote rejected", zap.Error(err))
		}
	default:
		d.logger.Warn("unknown consensus message type, dropped", zap.String("type", string(data.Message.Type)))
	}
}

func (d *Dispatcher) handleTransaction(env Envelope) {
	var data TransactionData
	if err := decodeData(env, &data); err != nil {
		d.logger.Warn("malformed transaction message, dropped", zap.Error(err))
		return
	}
	for _, tx := range data.Transactions() {
		if _, err := d.mempool.Admit(tx); err != nil {
			d.logger.Debug("transaction not admitted", zap.Error(err))
		}
	}
}

func (d *Dispatcher) handleChainSegmentRequest(from core.Address, env Envelope) {
	var data ChainSegmentRequestData
	if err := decodeData(env, &data); err != nil {
		d.logger.Warn("malformed chain segment request, dropped", zap.Error(err))
		return
	}
	fromNumber := int64(-1)
	if data.LastBlock != nil {
		fromNumber = data.LastBlock.Number
	}
	segment, err := d.engine.Chain().ChainSegment(fromNumber)
	if err != nil {
		d.logger.Warn("failed to build chain segment response", zap.Error(err))
		return
	}

	d.mu.RLock()
	peer, ok := d.peers[from]
	d.mu.RUnlock()
	if !ok {
		return
	}
	resp := ChainSegmentResponseData{ChainSegment: segment, Number: d.engine.Chain().Height(), CatchUpInfo: catchUpTips(d.engine)}
	respEnv, err := newEnvelopeWithID(TypeChainSegmentResponse, env.CorrelationID, d.now(), resp)
	if err != nil {
		d.logger.Warn("failed to encode chain segment response", zap.Error(err))
		return
	}
	if err := peer.writeJSON(respEnv); err != nil {
		d.logger.Warn("failed to send chain segment response", zap.String("peer", string(from)), zap.Error(err))
	}
}

func (d *Dispatcher) handleChainSegmentResponse(env Envelope) {
	var data ChainSegmentResponseData
	if err := decodeData(env, &data); err != nil {
		d.logger.Warn("malformed chain segment response, dropped", zap.Error(err))
		return
	}
	if err := d.engine.HandleChainSegment(data.ChainSegment, data.CatchUpInfo); err != nil {
		d.logger.Warn("chain segment rejected", zap.Error(err))
	}
}

func catchUpTips(e *consensus.Engine) []*core.Block {
	tips := e.Pool().Tips()
	out := make([]*core.Block, 0, len(tips))
	for _, tip := range tips {
		out = append(out, tip.Block)
	}
	return out
}

func (d *Dispatcher) broadcastConsensus(msgType ConsensusMessageType, tx *core.Transaction) error {
	var data ConsensusData
	data.Message.Type = msgType
	data.Message.Value = tx
	data.Message.ConsensusProtoVer = ConsensusProtoVer
	env, err := newEnvelope(TypeConsensus, d.now(), data)
	if err != nil {
		return err
	}
	return d.broadcast(env)
}

// BroadcastProposal implements consensus.Transport.
func (d *Dispatcher) BroadcastProposal(tx *core.Transaction) error {
	return d.broadcastConsensus(ConsensusPropose, tx)
}

// BroadcastVote implements consensus.Transport.
func (d *Dispatcher) BroadcastVote(tx *core.Transaction) error {
	return d.broadcastConsensus(ConsensusVote, tx)
}

// RequestChainSegment implements consensus.Transport.
func (d *Dispatcher) RequestChainSegment(lastBlock *core.Block) error {
	env, err := newEnvelope(TypeChainSegmentRequest, d.now(), ChainSegmentRequestData{LastBlock: lastBlock})
	if err != nil {
		return err
	}
	return d.broadcast(env)
}

// BroadcastTransaction sends tx to every peer, for a local client submitting
// a transaction directly to this node rather than through the mempool API.
func (d *Dispatcher) BroadcastTransaction(tx *core.Transaction) error {
	env, err := newEnvelope(TypeTransaction, d.now(), TransactionData{Transaction: tx})
	if err != nil {
		return err
	}
	return d.broadcast(env)
}

func (d *Dispatcher) broadcast(env Envelope) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var firstErr error
	for addr, peer := range d.peers {
		if err := peer.writeJSON(env); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("p2p: broadcast to %s: %w", addr, err)
		}
	}
	return firstErr
}

// Close closes every peer connection.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for addr, p := range d.peers {
		p.conn.Close()
		delete(d.peers, addr)
	}
}

// PeerCount reports the number of connected peers.
func (d *Dispatcher) PeerCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.peers)
}
