// Package crypto supplies the signing, recovery, and hashing primitives the
// consensus core treats as an external collaborator: validators sign
// proposals and votes, peers recover an address from a signature, and every
// block and state subtree is digested into a short, deterministic
// fingerprint.
package crypto

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/multiformats/go-multibase"
	"github.com/multiformats/go-multicodec"
	"github.com/multiformats/go-varint"
	"lukechampine.com/blake3"
)

var (
	ErrInvalidPrivateKey    = errors.New("invalid private key")
	ErrInvalidSignature     = errors.New("invalid signature encoding")
	ErrSignatureTooShort    = errors.New("signature is shorter than the recoverable format")
	ErrRecoveryFailed       = errors.New("failed to recover public key from signature")
	ErrInvalidAddress       = errors.New("invalid address encoding")
	ErrUnexpectedMulticodec = errors.New("unexpected multicodec prefix for address")
)

// CodecValidatorPubKey is a locally-scoped multicodec tag for a compressed
// secp256k1 public-key hash, in the style of did:key encodings that tag an
// uncompressed P-256 point. There is no registered multicodec entry for
// this chain's address shape, so it is declared here rather than borrowed
// from the standard table.
const CodecValidatorPubKey multicodec.Code = 0xe351

// KeyPair is a validator's or client's signing identity.
type KeyPair struct {
	Priv *secp256k1.PrivateKey
	Pub  *secp256k1.PublicKey
}

// GenerateKeyPair creates a fresh secp256k1 identity.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	return &KeyPair{Priv: priv, Pub: priv.PubKey()}, nil
}

// KeyPairFromHex reconstructs a KeyPair from a hex-encoded 32-byte scalar.
func KeyPairFromHex(hexKey string) (*KeyPair, error) {
	raw, err := hex.DecodeString(hexKey)
	if err != nil || len(raw) != 32 {
		return nil, fmt.Errorf("%w: expected 32-byte hex scalar", ErrInvalidPrivateKey)
	}
	priv := secp256k1.PrivKeyFromBytes(raw)
	return &KeyPair{Priv: priv, Pub: priv.PubKey()}, nil
}

// PrivateHex returns the hex-encoded scalar, for config files and test fixtures.
func (kp *KeyPair) PrivateHex() string {
	return hex.EncodeToString(kp.Priv.Serialize())
}

// Address derives this key's textual address: a multicodec-tagged,
// multibase(base58btc)-encoded BLAKE3 hash of the compressed public key,
// truncated to 20 bytes in the Ethereum-style tradition the
// `/staking/consensus/<addr>/...` state paths assume.
func (kp *KeyPair) Address() string {
	return AddressFromPubKey(kp.Pub)
}

// AddressFromPubKey derives the textual address for any secp256k1 public key.
func AddressFromPubKey(pub *secp256k1.PublicKey) string {
	digest := blake3.Sum256(pub.SerializeCompressed())
	return encodeAddress(digest[12:])
}

func encodeAddress(hash20 []byte) string {
	var buf bytes.Buffer
	buf.Write(varint.ToUvarint(uint64(CodecValidatorPubKey)))
	buf.Write(hash20)
	encoded, err := multibase.Encode(multibase.Base58BTC, buf.Bytes())
	if err != nil {
		// multibase.Encode only fails for unknown encodings; Base58BTC is
		// always valid, so this path is unreachable in practice.
		panic(fmt.Sprintf("crypto: address encoding failed: %v", err))
	}
	return encoded
}

// DecodeAddress validates and unwraps an address back to its raw 20-byte hash.
func DecodeAddress(addr string) ([]byte, error) {
	encoding, data, err := multibase.Decode(addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if encoding != multibase.Base58BTC {
		return nil, fmt.Errorf("%w: expected base58btc encoding", ErrInvalidAddress)
	}
	codec, n, err := varint.FromUvarint(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	rest := data[n:]
	if multicodec.Code(codec) != CodecValidatorPubKey {
		return nil, fmt.Errorf("%w: got 0x%x", ErrUnexpectedMulticodec, codec)
	}
	if len(rest) != 20 {
		return nil, fmt.Errorf("%w: expected 20-byte hash, got %d", ErrInvalidAddress, len(rest))
	}
	return rest, nil
}

// Hash256 is the canonical content digest used for block hashes and state
// proof hashes: BLAKE3, truncated to nothing (full 32 bytes), hex-encoded.
func Hash256(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Sign produces a 65-byte recoverable ECDSA signature (R || S || V) over the
// BLAKE3 digest of msg, hex-encoded.
func Sign(msg []byte, kp *KeyPair) (string, error) {
	if kp == nil || kp.Priv == nil {
		return "", ErrInvalidPrivateKey
	}
	digest := blake3.Sum256(msg)
	sig := ecdsa.SignCompact(kp.Priv, digest[:], false)
	// SignCompact returns (recovery_id+27) || R || S; normalize to R || S || V
	// so the wire format matches the Ethereum-style recoverable signatures
	// the rest of the stack's recover(msg, signature) calls expect.
	v := sig[0]
	rs := sig[1:]
	out := append(append([]byte{}, rs...), v)
	return hex.EncodeToString(out), nil
}

// Recover returns the address that produced sig over msg.
func Recover(msg []byte, sigHex string) (string, error) {
	raw, err := hex.DecodeString(sigHex)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if len(raw) != 65 {
		return "", fmt.Errorf("%w: expected 65 bytes, got %d", ErrSignatureTooShort, len(raw))
	}
	digest := blake3.Sum256(msg)
	v := raw[64]
	compact := append([]byte{v}, raw[:64]...)
	pub, _, err := ecdsa.RecoverCompact(compact, digest[:])
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRecoveryFailed, err)
	}
	return AddressFromPubKey(pub), nil
}

// Verify checks that sig over msg recovers to addr.
func Verify(msg []byte, sigHex string, addr string) error {
	recovered, err := Recover(msg, sigHex)
	if err != nil {
		return err
	}
	if recovered != addr {
		return fmt.Errorf("%w: signature recovers to %s, expected %s", ErrRecoveryFailed, recovered, addr)
	}
	return nil
}
