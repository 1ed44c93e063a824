// Package tags derives deterministic feed and rendezvous tags, and the
// channel-scoped namespaces they are rooted in.
package tags

// Namespace scopes tags to a logical partition of the overlay.
type Namespace uint16

// Epoch is a coarse rotation counter derived from wall-clock time.
type Epoch uint32

// Tag is an opaque 32-byte subscription identifier.
type Tag [32]byte
