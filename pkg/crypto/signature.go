package crypto

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
)

// SignatureSize is the length of a recoverable signature: r(32) | s(32) | v(1).
const SignatureSize = 65

// compactRecoveryBase is the header offset used by compact signatures for
// uncompressed keys.
const compactRecoveryBase = 27

// PrivateKey wraps a secp256k1 private key for recoverable ECDSA signing.
type PrivateKey struct {
	key *secp256k1.PrivateKey
}

// GenerateKey creates a new random secp256k1 private key.
func GenerateKey() (*PrivateKey, error) {
	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return &PrivateKey{key: key}, nil
}

// PrivateKeyFromBytes creates a PrivateKey from a 32-byte secret.
func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	if len(b) != 32 {
		return nil, fmt.Errorf("private key must be 32 bytes, got %d", len(b))
	}
	return &PrivateKey{key: secp256k1.PrivKeyFromBytes(b)}, nil
}

// Address returns the ledger address controlled by this key.
func (pk *PrivateKey) Address() common.Address {
	return PubKeyToAddress(pk.key.PubKey())
}

// Sign produces a recoverable signature over a 32-byte hash.
// The result is r | s | v with v in {0, 1}.
func (pk *PrivateKey) Sign(hash []byte) ([]byte, error) {
	if len(hash) != 32 {
		return nil, fmt.Errorf("hash must be 32 bytes, got %d", len(hash))
	}
	compact := ecdsa.SignCompact(pk.key, hash, false)
	// compact layout: header(1) | r(32) | s(32)
	sig := make([]byte, SignatureSize)
	copy(sig, compact[1:])
	sig[64] = compact[0] - compactRecoveryBase
	return sig, nil
}

// Zero securely zeroes the private key memory.
func (pk *PrivateKey) Zero() {
	pk.key.Zero()
}

// PubKeyToAddress derives a ledger address: the last 20 bytes of the
// keccak-256 digest of the uncompressed public key without its prefix byte.
func PubKeyToAddress(pub *secp256k1.PublicKey) common.Address {
	raw := pub.SerializeUncompressed()
	return common.BytesToAddress(Keccak256(raw[1:])[12:])
}

// RecoverAddress returns the address that produced sig over hash.
// Both v conventions ({0,1} and {27,28}) are accepted.
func RecoverAddress(hash, sig []byte) (common.Address, error) {
	if len(sig) != SignatureSize {
		return common.Address{}, fmt.Errorf("signature must be %d bytes, got %d", SignatureSize, len(sig))
	}
	v := sig[64]
	if v >= compactRecoveryBase {
		v -= compactRecoveryBase
	}
	if v > 1 {
		return common.Address{}, fmt.Errorf("invalid recovery id %d", sig[64])
	}
	compact := make([]byte, SignatureSize)
	compact[0] = compactRecoveryBase + v
	copy(compact[1:], sig[:64])
	pub, _, err := ecdsa.RecoverCompact(compact, hash)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover public key: %w", err)
	}
	return PubKeyToAddress(pub), nil
}

// MessageHash applies the personal-message prefix used by wallets when
// signing arbitrary data, so signatures can be checked with ecrecover.
func MessageHash(data []byte) []byte {
	return accounts.TextHash(data)
}

// EncodeSignature renders a signature as 0x-prefixed hex.
func EncodeSignature(sig []byte) string {
	return "0x" + hex.EncodeToString(sig)
}

// SignatureParams splits a 0x-prefixed 65-byte hex signature into the
// arguments a contract's ecrecover expects: r = bytes[0:32],
// s = bytes[32:64], v = byte[64].
func SignatureParams(signature string) (v uint8, r, s [32]byte, err error) {
	raw := strings.TrimPrefix(signature, "0x")
	if len(raw) != SignatureSize*2 {
		return 0, r, s, fmt.Errorf("signature must be %d hex chars, got %d", SignatureSize*2, len(raw))
	}
	b, err := hex.DecodeString(raw)
	if err != nil {
		return 0, r, s, fmt.Errorf("decode signature: %w", err)
	}
	copy(r[:], b[0:32])
	copy(s[:], b[32:64])
	return b[64], r, s, nil
}
