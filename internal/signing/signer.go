// Package signing wraps go-ethereum's recoverable secp256k1 primitives
// behind an explicitly constructed signer so no package holds hidden
// global key state. Every digest is domain-separated: a receipt signed
// for one deployment or chain cannot be replayed on another.
package signing

import (
	"crypto/ecdsa"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/gatewaypay/receipts/internal/receipt"
)

// Domain is the 32-byte separator mixed into every signed digest.
type Domain [32]byte

// NewDomain derives the separator from the deployment tuple, EIP-712
// style but with a single hash.
func NewDomain(name, version string, chainID *big.Int, salt common.Address) Domain {
	nameHash := crypto.Keccak256Hash([]byte(name))
	versionHash := crypto.Keccak256Hash([]byte(version))

	// ABI-encode: (bytes32, bytes32, uint256, address)
	encoded := make([]byte, 4*32)
	copy(encoded[0:32], nameHash[:])
	copy(encoded[32:64], versionHash[:])
	chainID.FillBytes(encoded[64:96])
	copy(encoded[108:128], salt.Bytes()) // addr is right-aligned in its slot

	return Domain(crypto.Keccak256Hash(encoded))
}

// Digest computes Keccak256(domain || msg).
func (d Domain) Digest(msg []byte) []byte {
	return crypto.Keccak256(d[:], msg)
}

// Signer binds a private key to a domain separator. The key is consumed
// as an opaque credential; rotation and custody happen elsewhere.
type Signer struct {
	key    *ecdsa.PrivateKey
	domain Domain
}

func NewSigner(key *ecdsa.PrivateKey, domain Domain) *Signer {
	return &Signer{key: key, domain: domain}
}

// Sign produces a 65-byte recoverable signature over the domain-separated
// Keccak-256 digest of msg. The recovery byte is normalized to {27, 28}
// as on-chain ecrecover expects.
func (s *Signer) Sign(msg []byte) ([]byte, error) {
	sig, err := crypto.Sign(s.domain.Digest(msg), s.key)
	if err != nil {
		return nil, err
	}
	sig[64] += 27
	return sig, nil
}

func (s *Signer) PublicKey() *ecdsa.PublicKey {
	return &s.key.PublicKey
}

func (s *Signer) Domain() Domain {
	return s.domain
}

// recoveryID maps a wire recovery byte to the 0/1 form go-ethereum
// expects. Kept as an explicit table: an unrecognized byte is a hard
// ErrInvalidData, never a panic or silent wraparound.
func recoveryID(v byte) (byte, error) {
	switch v {
	case 0, 1:
		return v, nil
	case 27, 28:
		return v - 27, nil
	default:
		return 0, receipt.ErrInvalidData
	}
}

// Verify reports whether sig is a valid signature by pub over the
// domain-separated digest of msg. A malformed signature encoding is an
// error; a well-formed but wrong signature is (false, nil).
func Verify(domain Domain, pub *ecdsa.PublicKey, msg, sig []byte) (bool, error) {
	if len(sig) != receipt.SignatureSize {
		return false, receipt.ErrInvalidData
	}
	if _, err := recoveryID(sig[64]); err != nil {
		return false, err
	}
	return crypto.VerifySignature(crypto.FromECDSAPub(pub), domain.Digest(msg), sig[:64]), nil
}

// Recover extracts the signing public key from a recoverable signature.
func Recover(domain Domain, msg, sig []byte) (*ecdsa.PublicKey, error) {
	if len(sig) != receipt.SignatureSize {
		return nil, receipt.ErrInvalidData
	}
	v, err := recoveryID(sig[64])
	if err != nil {
		return nil, err
	}
	normalized := make([]byte, receipt.SignatureSize)
	copy(normalized, sig[:64])
	normalized[64] = v
	return crypto.SigToPub(domain.Digest(msg), normalized)
}
