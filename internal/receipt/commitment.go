// Package receipt defines the fixed-width wire layouts shared by the
// gateway's receipt pool and the indexer's voucher aggregation.
package receipt

import (
	"encoding/hex"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ErrInvalidData is returned for byte buffers that do not match a wire
// layout: wrong length, or an unrecognized signature recovery byte.
var ErrInvalidData = errors.New("invalid receipt data")

// ReceiptIDSize is the width of a receipt identifier. Identifiers are
// unique within one allocation; the pool mints them from a big-endian
// monotonic counter so they are also strictly increasing.
const ReceiptIDSize = 15

// SignatureSize is a 64-byte compact secp256k1 signature plus one
// recovery byte in {27, 28}.
const SignatureSize = 65

// Commitment wire layout, offsets cumulative. All fee fields are 32-byte
// big-endian unsigned integers.
const (
	allocationIDEnd = common.AddressLength
	totalFeeEnd     = allocationIDEnd + 32
	receiptIDEnd    = totalFeeEnd + ReceiptIDSize
	signatureEnd    = receiptIDEnd + SignatureSize

	// CommitmentSize is allocation_id(20) || total_fee(32) ||
	// receipt_id(15) || signature(65) || prior unlocked_fee(32).
	CommitmentSize = signatureEnd + 32

	// RecordSize is the per-receipt slice the indexer aggregates:
	// total_fee(32) || receipt_id(15) || signature(65). The allocation id
	// is bound via the signed digest, not carried per record.
	RecordSize = 32 + ReceiptIDSize + SignatureSize
)

// ID is a receipt identifier.
type ID [ReceiptIDSize]byte

// Next returns the successor identifier, treating the id as a big-endian
// counter.
func (id ID) Next() ID {
	next := id
	for i := ReceiptIDSize - 1; i >= 0; i-- {
		next[i]++
		if next[i] != 0 {
			break
		}
	}
	return next
}

// Less reports whether id orders strictly before other.
func (id ID) Less(other ID) bool {
	for i := range id {
		if id[i] != other[i] {
			return id[i] < other[i]
		}
	}
	return false
}

func (id ID) MarshalText() ([]byte, error) {
	out := make([]byte, hex.EncodedLen(ReceiptIDSize))
	hex.Encode(out, id[:])
	return out, nil
}

func (id *ID) UnmarshalText(text []byte) error {
	if hex.DecodedLen(len(text)) != ReceiptIDSize {
		return ErrInvalidData
	}
	_, err := hex.Decode(id[:], text)
	return err
}

// Commitment is the decoded form of the bytes Commit hands to the caller
// and Release later consumes. The pool never retains one.
type Commitment struct {
	AllocationID common.Address
	TotalFee     *big.Int
	ReceiptID    ID
	Signature    [SignatureSize]byte
	// UnlockedFee is the receipt's confirmed-payable amount before this
	// commitment was issued. It is not covered by the signature; only the
	// issuing pool reads it back during Release.
	UnlockedFee *big.Int
}

// Encode appends the 164-byte commitment layout to dst and returns the
// extended slice. Fees must fit in 32 bytes.
func (c *Commitment) Encode(dst []byte) []byte {
	var fee [32]byte
	dst = append(dst, c.AllocationID.Bytes()...)
	c.TotalFee.FillBytes(fee[:])
	dst = append(dst, fee[:]...)
	dst = append(dst, c.ReceiptID[:]...)
	dst = append(dst, c.Signature[:]...)
	c.UnlockedFee.FillBytes(fee[:])
	dst = append(dst, fee[:]...)
	return dst
}

// SignedPortion returns allocation_id || total_fee || receipt_id, the
// prefix covered by the allocation signature.
func (c *Commitment) SignedPortion() []byte {
	out := make([]byte, 0, receiptIDEnd)
	var fee [32]byte
	out = append(out, c.AllocationID.Bytes()...)
	c.TotalFee.FillBytes(fee[:])
	out = append(out, fee[:]...)
	out = append(out, c.ReceiptID[:]...)
	return out
}

// Record strips the commitment down to the 112-byte slice the voucher
// aggregator consumes: total_fee || receipt_id || signature.
func (c *Commitment) Record() []byte {
	out := make([]byte, 0, RecordSize)
	var fee [32]byte
	c.TotalFee.FillBytes(fee[:])
	out = append(out, fee[:]...)
	out = append(out, c.ReceiptID[:]...)
	out = append(out, c.Signature[:]...)
	return out
}

// DecodeCommitment parses a 164-byte commitment buffer.
func DecodeCommitment(data []byte) (*Commitment, error) {
	if len(data) != CommitmentSize {
		return nil, ErrInvalidData
	}
	c := &Commitment{
		AllocationID: common.BytesToAddress(data[:allocationIDEnd]),
		TotalFee:     new(big.Int).SetBytes(data[allocationIDEnd:totalFeeEnd]),
		UnlockedFee:  new(big.Int).SetBytes(data[signatureEnd:]),
	}
	copy(c.ReceiptID[:], data[totalFeeEnd:receiptIDEnd])
	copy(c.Signature[:], data[receiptIDEnd:signatureEnd])
	return c, nil
}

// Record is one parsed aggregation record.
type Record struct {
	TotalFee  *big.Int
	ReceiptID ID
	Signature [SignatureSize]byte
}

// ParseRecords splits a concatenated buffer of fixed-size records. A
// length that is not a multiple of RecordSize is ErrInvalidData.
func ParseRecords(data []byte) ([]Record, error) {
	if len(data)%RecordSize != 0 {
		return nil, ErrInvalidData
	}
	records := make([]Record, 0, len(data)/RecordSize)
	for off := 0; off < len(data); off += RecordSize {
		chunk := data[off : off+RecordSize]
		r := Record{TotalFee: new(big.Int).SetBytes(chunk[:32])}
		copy(r.ReceiptID[:], chunk[32:32+ReceiptIDSize])
		copy(r.Signature[:], chunk[32+ReceiptIDSize:])
		records = append(records, r)
	}
	return records, nil
}
