package transport

import "sync"

// MultiLaneAdapter composes several underlying Adapters of the same lane
// class (e.g. several fast-lane peers' connections) behind one Adapter: Send
// attempts every member and succeeds if any one accepts the payload, Recv
// round-robins across members, and HealthSnapshot sums the member
// snapshots.
type MultiLaneAdapter struct {
	mu      sync.Mutex
	members []Adapter
	rrNext  int
}

// NewMultiLaneAdapter composes the given adapters.
func NewMultiLaneAdapter(members ...Adapter) *MultiLaneAdapter {
	return &MultiLaneAdapter{members: append([]Adapter(nil), members...)}
}

// Add registers another member adapter.
func (m *MultiLaneAdapter) Add(a Adapter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.members = append(m.members, a)
}

// Send attempts peer delivery on every member, returning nil if any member
// accepted it. If all members fail, it returns the last observed error.
func (m *MultiLaneAdapter) Send(peer string, payload []byte) error {
	m.mu.Lock()
	members := append([]Adapter(nil), m.members...)
	m.mu.Unlock()

	var lastErr error = &SendError{Kind: Closed}
	sent := false
	for _, a := range members {
		if err := a.Send(peer, payload); err != nil {
			lastErr = err
			continue
		}
		sent = true
	}
	if sent {
		return nil
	}
	return lastErr
}

// Recv round-robins across members, returning the first available message.
func (m *MultiLaneAdapter) Recv() (string, []byte, bool) {
	m.mu.Lock()
	members := append([]Adapter(nil), m.members...)
	start := m.rrNext
	m.mu.Unlock()

	if len(members) == 0 {
		return "", nil, false
	}
	for i := 0; i < len(members); i++ {
		idx := (start + i) % len(members)
		if peer, payload, ok := members[idx].Recv(); ok {
			m.mu.Lock()
			m.rrNext = (idx + 1) % len(members)
			m.mu.Unlock()
			return peer, payload, true
		}
	}
	return "", nil, false
}

// MaxPayloadHint returns the smallest nonzero hint across members, or 0 if
// every member is unbounded.
func (m *MultiLaneAdapter) MaxPayloadHint() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	best := 0
	for _, a := range m.members {
		h := a.MaxPayloadHint()
		if h <= 0 {
			continue
		}
		if best == 0 || h < best {
			best = h
		}
	}
	return best
}

// CanSend reports whether any member can currently send.
func (m *MultiLaneAdapter) CanSend() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.members {
		if a.CanSend() {
			return true
		}
	}
	return false
}

// CanRecv reports whether any member can currently receive.
func (m *MultiLaneAdapter) CanRecv() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.members {
		if a.CanRecv() {
			return true
		}
	}
	return false
}

// HealthSnapshot sums the member snapshots.
func (m *MultiLaneAdapter) HealthSnapshot() HealthSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	var agg HealthSnapshot
	for _, a := range m.members {
		h := a.HealthSnapshot()
		agg.OutboundQueued += h.OutboundQueued
		agg.OutboundSendOK += h.OutboundSendOK
		agg.OutboundSendErr += h.OutboundSendErr
		agg.InboundReceived += h.InboundReceived
		agg.InboundDropped += h.InboundDropped
		agg.ReconnectAttempts += h.ReconnectAttempts
		if h.HasLastError {
			agg.LastError = h.LastError
			agg.HasLastError = true
		}
	}
	return agg
}

// Close closes every member, returning the first error encountered (after
// attempting to close all of them).
func (m *MultiLaneAdapter) Close() error {
	m.mu.Lock()
	members := append([]Adapter(nil), m.members...)
	m.mu.Unlock()

	var first error
	for _, a := range members {
		if err := a.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
