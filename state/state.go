// Package state defines the NodeState aggregate a runtime façade owns and
// periodically snapshots: identity, subscriptions, discovery contacts,
// exported policy overrides, and a rolling feed-event history.
package state

import (
	"github.com/veil-project/veil-node/discovery"
	"github.com/veil-project/veil-node/policy"
)

// IdentityRecord is the node's long-term signing identity.
type IdentityRecord struct {
	PublicKeyHex string
	SecretKeyHex string
}

// FeedEvent is one entry in the rolling event buffer: free-form data keyed
// by an event name, numbered by a monotonic sequence number.
type FeedEvent struct {
	Seq     uint64
	Version int
	Event   string
	Data    []byte
}

// maxFeedHistory bounds the rolling event buffer at 256 entries.
const maxFeedHistory = 256

// PolicyOverride is one explicit WoT trust override, exported/imported
// alongside the rest of NodeState.
type PolicyOverride struct {
	Pubkey policy.Pubkey
	Tier   policy.TrustTier
}

// NodeState is the full mutable aggregate one runtime owns. It carries no
// behavior beyond simple accessors: the runtime façades are the only
// mutators, so all state is owned by exactly one runtime façade at a time.
type NodeState struct {
	Identity        IdentityRecord
	Subscriptions   map[[32]byte][32]byte // tag -> symmetric key
	PolicyOverrides []PolicyOverride
	Contacts        []discovery.ContactBundle

	feedHistory []FeedEvent
	nextSeq     uint64
}

// New builds an empty NodeState for the given identity.
func New(identity IdentityRecord) *NodeState {
	return &NodeState{
		Identity:      identity,
		Subscriptions: make(map[[32]byte][32]byte),
	}
}

// RecordEvent appends an event to the rolling history, evicting the oldest
// entry once the buffer exceeds maxFeedHistory, and returns the event's
// assigned sequence number.
func (s *NodeState) RecordEvent(version int, event string, data []byte) uint64 {
	seq := s.nextSeq
	s.nextSeq++
	s.feedHistory = append(s.feedHistory, FeedEvent{Seq: seq, Version: version, Event: event, Data: data})
	if len(s.feedHistory) > maxFeedHistory {
		s.feedHistory = s.feedHistory[len(s.feedHistory)-maxFeedHistory:]
	}
	return seq
}

// FeedHistory returns a copy of the rolling event buffer, oldest first.
func (s *NodeState) FeedHistory() []FeedEvent {
	out := make([]FeedEvent, len(s.feedHistory))
	copy(out, s.feedHistory)
	return out
}

// restoreFeedHistory repopulates the buffer and resumes its sequence
// counter after the highest restored Seq, without re-validating event
// contents. It is unexported, so persistence.Restore does not call it; that
// path replays events through RecordEvent, which assigns fresh sequence
// numbers.
func (s *NodeState) restoreFeedHistory(events []FeedEvent) {
	s.feedHistory = append([]FeedEvent(nil), events...)
	for _, e := range events {
		if e.Seq >= s.nextSeq {
			s.nextSeq = e.Seq + 1
		}
	}
}
