// Package crypto provides the hashing and signing primitives shared by the
// invite protocol: keccak-256 digests as the ledger computes them, feed
// topics, and peer identifiers.
package crypto

import (
	"encoding/hex"

	"github.com/ethereum/go-ethereum/common"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/sha3"
)

// TopicSize is the length of a feed topic in bytes.
const TopicSize = 32

// Keccak256 computes the legacy Keccak-256 digest used by the ledger.
func Keccak256(data ...[]byte) []byte {
	h := sha3.NewLegacyKeccak256()
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum(nil)
}

// Keccak256Hash is Keccak256 returned as a 32-byte hash.
func Keccak256Hash(data ...[]byte) common.Hash {
	return common.BytesToHash(Keccak256(data...))
}

// Keccak256Hex returns the digest hex-encoded with a 0x prefix.
func Keccak256Hex(data []byte) string {
	return "0x" + hex.EncodeToString(Keccak256(data))
}

// FeedHash returns the event topic a user's invites are filtered by:
// keccak-256 over the bytes of the public feed hash string.
func FeedHash(publicFeedHash string) common.Hash {
	return Keccak256Hash([]byte(publicFeedHash))
}

// FeedTopic derives a 32-byte feed topic from a name. The name bytes are
// XORed into a zero topic; names longer than the topic are truncated.
func FeedTopic(name string) string {
	var topic [TopicSize]byte
	for i := 0; i < len(name) && i < TopicSize; i++ {
		topic[i] ^= name[i]
	}
	return "0x" + hex.EncodeToString(topic[:])
}

// PeerID derives the local identifier of a peer from its public feed.
// PeerID = hex(BLAKE3(feed)[:16]).
func PeerID(publicFeed string) string {
	sum := blake3.Sum256([]byte(publicFeed))
	return hex.EncodeToString(sum[:16])
}
