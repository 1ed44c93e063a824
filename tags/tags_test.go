package tags

import (
	"encoding/binary"
	"testing"

	"github.com/zeebo/blake3"
)

func TestFeedTagUsesFeedDomainSeparatorAndBENamespace(t *testing.T) {
	var pubkey [32]byte
	for i := range pubkey {
		pubkey[i] = 0x11
	}

	expectedPreimage := make([]byte, 0, 4+32+2)
	expectedPreimage = append(expectedPreimage, "feed"...)
	expectedPreimage = append(expectedPreimage, pubkey[:]...)
	expectedPreimage = binary.BigEndian.AppendUint16(expectedPreimage, 7)
	expected := blake3.Sum256(expectedPreimage)

	actual := DeriveFeedTag(pubkey, Namespace(7))
	if actual != expected {
		t.Fatalf("feed tag mismatch: got %x want %x", actual, expected)
	}
}

func TestRVTagUsesRVDomainSeparatorAndBEFields(t *testing.T) {
	var pubkey [32]byte
	for i := range pubkey {
		pubkey[i] = 0x22
	}

	expectedPreimage := make([]byte, 0, 2+32+4+2)
	expectedPreimage = append(expectedPreimage, "rv"...)
	expectedPreimage = append(expectedPreimage, pubkey[:]...)
	expectedPreimage = binary.BigEndian.AppendUint32(expectedPreimage, 123456)
	expectedPreimage = binary.BigEndian.AppendUint16(expectedPreimage, 7)
	expected := blake3.Sum256(expectedPreimage)

	actual := DeriveRVTag(pubkey, Epoch(123456), Namespace(7))
	if actual != expected {
		t.Fatalf("rv tag mismatch: got %x want %x", actual, expected)
	}
}

func TestTagDerivationHasDomainSeparation(t *testing.T) {
	var key [32]byte
	for i := range key {
		key[i] = 0x42
	}
	ns := Namespace(9)
	epoch := Epoch(99)

	feed := DeriveFeedTag(key, ns)
	rv := DeriveRVTag(key, epoch, ns)
	if feed == rv {
		t.Fatalf("feed and rv tags must differ")
	}
}

func TestTagDerivationIsDeterministic(t *testing.T) {
	var key [32]byte
	for i := range key {
		key[i] = 0xab
	}
	ns := Namespace(99)
	epoch := Epoch(1024)

	if DeriveFeedTag(key, ns) != DeriveFeedTag(key, ns) {
		t.Fatalf("feed tag must be deterministic")
	}
	if DeriveRVTag(key, epoch, ns) != DeriveRVTag(key, epoch, ns) {
		t.Fatalf("rv tag must be deterministic")
	}
}

func TestChannelIDNormalizationIsStable(t *testing.T) {
	if got := NormalizeChannelID(" General "); got != "general" {
		t.Fatalf("got %q want general", got)
	}
	if got := NormalizeChannelID(""); got != "general" {
		t.Fatalf("got %q want general", got)
	}
}

func TestChannelNamespaceDerivationMatchesExpectedVectors(t *testing.T) {
	base := Namespace(7)
	cases := []struct {
		channel string
		want    Namespace
	}{
		{"general", 8562},
		{"dev", 38851},
		{"media", 57098},
		{" General ", 8562},
		{"", 8562},
	}
	for _, c := range cases {
		if got := DeriveChannelNamespace(base, c.channel); got != c.want {
			t.Errorf("channel %q: got %d want %d", c.channel, got, c.want)
		}
	}
}

func TestChannelScopedTagDerivationIsDeterministicAndSeparated(t *testing.T) {
	var key [32]byte
	for i := range key {
		key[i] = 0xcd
	}
	base := Namespace(7)
	epoch := Epoch(123)

	generalFeed := DeriveChannelFeedTag(key, base, "general")
	devFeed := DeriveChannelFeedTag(key, base, "dev")
	if generalFeed == devFeed {
		t.Fatalf("channel feed tags must differ across channels")
	}
	if generalFeed != DeriveChannelFeedTag(key, base, " General ") {
		t.Fatalf("channel feed tag must normalize channel id")
	}

	generalRV := DeriveChannelRVTag(key, epoch, base, "general")
	devRV := DeriveChannelRVTag(key, epoch, base, "dev")
	if generalRV == devRV {
		t.Fatalf("channel rv tags must differ across channels")
	}
}

func TestOverlapWindowDerivesNextRVTagNearBoundary(t *testing.T) {
	var key [32]byte
	for i := range key {
		key[i] = 0xab
	}
	ns := Namespace(7)
	epochSeconds := uint64(86400)
	overlapSeconds := uint64(3600)
	now := epochSeconds - 30

	current, next := DeriveRVTagWindow(key, now, epochSeconds, overlapSeconds, ns)
	expectedCurrent := DeriveRVTag(key, Epoch(0), ns)
	expectedNext := DeriveRVTag(key, Epoch(1), ns)
	if current != expectedCurrent {
		t.Fatalf("current rv tag mismatch")
	}
	if next == nil || *next != expectedNext {
		t.Fatalf("expected next rv tag to be present and match")
	}
}

func TestOverlapWindowOutsideTailHasNoNextTag(t *testing.T) {
	var key [32]byte
	for i := range key {
		key[i] = 0xcd
	}
	ns := Namespace(9)
	current, next := DeriveRVTagWindow(key, 10, 86400, 3600, ns)
	if current != DeriveRVTag(key, Epoch(0), ns) {
		t.Fatalf("current rv tag mismatch")
	}
	if next != nil {
		t.Fatalf("expected no next tag outside overlap window")
	}
}

func TestCurrentEpochAndOverlapHelpersAreStable(t *testing.T) {
	if got := CurrentEpoch(172800, 86400); got != Epoch(2) {
		t.Fatalf("got %d want 2", got)
	}
	if InNextEpochOverlap(10, 100, 20) {
		t.Fatalf("expected not in overlap")
	}
	if !InNextEpochOverlap(95, 100, 20) {
		t.Fatalf("expected in overlap")
	}
	if !InNextEpochOverlap(95, 100, 200) {
		t.Fatalf("expected in overlap when overlap exceeds window")
	}
}
