package tags

import (
	"encoding/binary"
	"strings"

	"github.com/zeebo/blake3"
)

// fnv1a32 hashes bytes with the standard 32-bit FNV-1a constants.
func fnv1a32(b []byte) uint32 {
	const (
		offsetBasis uint32 = 2166136261
		prime       uint32 = 16777619
	)
	hash := offsetBasis
	for _, c := range b {
		hash ^= uint32(c)
		hash *= prime
	}
	return hash
}

// NormalizeChannelID lowercases and trims a channel identifier, mapping
// empty or whitespace-only ids to "general".
func NormalizeChannelID(channelID string) string {
	normalized := strings.ToLower(strings.TrimSpace(channelID))
	if normalized == "" {
		return "general"
	}
	return normalized
}

// DeriveChannelNamespace derives a per-channel namespace from a base
// namespace and a channel id: ns' = ns + (FNV-1a_32(channel) & 0xFFFF).
func DeriveChannelNamespace(base Namespace, channelID string) Namespace {
	channel := NormalizeChannelID(channelID)
	channelHash16 := uint16(fnv1a32([]byte(channel)) & 0xffff)
	return Namespace(uint16(base) + channelHash16)
}

func blake3Sum32(b []byte) Tag {
	return blake3.Sum256(b)
}

// DeriveFeedTag derives a stable public feed tag:
// H("feed" || publisher_pubkey || namespace_be).
func DeriveFeedTag(publisherPubkey [32]byte, namespace Namespace) Tag {
	buf := make([]byte, 0, 4+32+2)
	buf = append(buf, "feed"...)
	buf = append(buf, publisherPubkey[:]...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(namespace))
	return blake3Sum32(buf)
}

// DeriveChannelFeedTag derives a channel-scoped feed tag.
func DeriveChannelFeedTag(publisherPubkey [32]byte, base Namespace, channelID string) Tag {
	return DeriveFeedTag(publisherPubkey, DeriveChannelNamespace(base, channelID))
}

// DeriveRVTag derives a rotating rendezvous tag:
// H("rv" || recipient_pubkey || epoch_be || namespace_be).
func DeriveRVTag(recipientPubkey [32]byte, epoch Epoch, namespace Namespace) Tag {
	buf := make([]byte, 0, 2+32+4+2)
	buf = append(buf, "rv"...)
	buf = append(buf, recipientPubkey[:]...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(epoch))
	buf = binary.BigEndian.AppendUint16(buf, uint16(namespace))
	return blake3Sum32(buf)
}

// DeriveChannelRVTag derives a channel-scoped rendezvous tag.
func DeriveChannelRVTag(recipientPubkey [32]byte, epoch Epoch, base Namespace, channelID string) Tag {
	return DeriveRVTag(recipientPubkey, epoch, DeriveChannelNamespace(base, channelID))
}

// CurrentEpoch returns the epoch index for now/window. epochSeconds == 0 is
// treated as 1 to avoid division by zero.
func CurrentEpoch(nowSeconds, epochSeconds uint64) Epoch {
	window := epochSeconds
	if window == 0 {
		window = 1
	}
	v := nowSeconds / window
	if v > uint64(^uint32(0)) {
		v = uint64(^uint32(0))
	}
	return Epoch(uint32(v))
}

// InNextEpochOverlap reports whether nowSeconds falls in the overlap tail
// where the next epoch's rendezvous tag should also be accepted.
func InNextEpochOverlap(nowSeconds, epochSeconds, overlapSeconds uint64) bool {
	if overlapSeconds == 0 {
		return false
	}
	window := epochSeconds
	if window == 0 {
		window = 1
	}
	overlap := overlapSeconds
	if overlap > window {
		overlap = window
	}
	offset := nowSeconds % window
	return offset >= window-overlap
}

// DeriveRVTagWindow derives the current rendezvous tag and, during the
// overlap tail, the next-epoch rendezvous tag as well.
func DeriveRVTagWindow(recipientPubkey [32]byte, nowSeconds, epochSeconds, overlapSeconds uint64, namespace Namespace) (current Tag, next *Tag) {
	curEpoch := CurrentEpoch(nowSeconds, epochSeconds)
	current = DeriveRVTag(recipientPubkey, curEpoch, namespace)
	if InNextEpochOverlap(nowSeconds, epochSeconds, overlapSeconds) {
		nextEpoch := curEpoch + 1
		if curEpoch == Epoch(^uint32(0)) {
			nextEpoch = curEpoch
		}
		t := DeriveRVTag(recipientPubkey, nextEpoch, namespace)
		next = &t
	}
	return current, next
}

// DiscoveryNamespace derives the fixed discovery tag: H("veil-discovery" ||
// namespace_be).
func DiscoveryNamespace(namespace Namespace) Tag {
	buf := make([]byte, 0, len("veil-discovery")+2)
	buf = append(buf, "veil-discovery"...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(namespace))
	return blake3Sum32(buf)
}
