package transport

import "sync"

type inboundMsg struct {
	peer    string
	payload []byte
}

// MemoryAdapter is an in-process Adapter used by tests and by any harness
// wiring a node without a real network: Send on one MemoryAdapter enqueues
// directly into the peer MemoryAdapter's inbound queue that the test wires
// it to via ConnectPeer.
type MemoryAdapter struct {
	mu sync.Mutex

	selfID         string
	maxPayload     int
	queueCapacity  int
	inbound        []inboundMsg
	peers          map[string]*MemoryAdapter
	closed         bool
	health         HealthSnapshot
}

// NewMemoryAdapter builds a MemoryAdapter identified by selfID. queueCap <=
// 0 means unbounded.
func NewMemoryAdapter(selfID string, maxPayload, queueCap int) *MemoryAdapter {
	return &MemoryAdapter{
		selfID:        selfID,
		maxPayload:    maxPayload,
		queueCapacity: queueCap,
		peers:         make(map[string]*MemoryAdapter),
	}
}

// ConnectPeer registers the directed edge so Send(peerID, ...) can reach
// peer's inbound queue. Connections are one-directional; call it twice to
// wire both directions.
func (m *MemoryAdapter) ConnectPeer(peerID string, peer *MemoryAdapter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.peers[peerID] = peer
}

// Send implements Adapter.
func (m *MemoryAdapter) Send(peer string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		m.health.OutboundSendErr++
		return &SendError{Kind: Closed}
	}
	if m.maxPayload > 0 && len(payload) > m.maxPayload {
		m.health.OutboundSendErr++
		return &SendError{Kind: PayloadTooLarge, Hint: m.maxPayload}
	}
	target, ok := m.peers[peer]
	if !ok {
		m.health.OutboundSendErr++
		return &SendError{Kind: InvalidPeer}
	}
	cp := append([]byte(nil), payload...)
	if err := target.deliver(m.selfID, cp); err != nil {
		m.health.OutboundSendErr++
		return err
	}
	m.health.OutboundSendOK++
	return nil
}

func (m *MemoryAdapter) deliver(from string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		m.health.InboundDropped++
		return &SendError{Kind: Closed}
	}
	if m.queueCapacity > 0 && len(m.inbound) >= m.queueCapacity {
		m.health.InboundDropped++
		return &SendError{Kind: QueueFull}
	}
	m.inbound = append(m.inbound, inboundMsg{peer: from, payload: payload})
	m.health.OutboundQueued = uint64(len(m.inbound))
	return nil
}

// Recv implements Adapter.
func (m *MemoryAdapter) Recv() (string, []byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.inbound) == 0 {
		return "", nil, false
	}
	msg := m.inbound[0]
	m.inbound = m.inbound[1:]
	m.health.InboundReceived++
	m.health.OutboundQueued = uint64(len(m.inbound))
	return msg.peer, msg.payload, true
}

// MaxPayloadHint implements Adapter.
func (m *MemoryAdapter) MaxPayloadHint() int { return m.maxPayload }

// CanSend implements Adapter.
func (m *MemoryAdapter) CanSend() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.closed
}

// CanRecv implements Adapter.
func (m *MemoryAdapter) CanRecv() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.closed
}

// HealthSnapshot implements Adapter.
func (m *MemoryAdapter) HealthSnapshot() HealthSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.health
}

// Close implements Adapter.
func (m *MemoryAdapter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
