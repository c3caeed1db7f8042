// Package voucher verifies and sums collected receipt records into a
// single signed claim redeemable on-chain. All functions are pure over
// their inputs and safe to call concurrently; sharding aggregation
// across allocations or receipt batches needs no coordination.
package voucher

import (
	"crypto/ecdsa"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gatewaypay/receipts/internal/receipt"
	"github.com/gatewaypay/receipts/internal/signing"
)

var (
	// ErrInvalidData mirrors the codec sentinel so callers can match
	// either with errors.Is.
	ErrInvalidData = receipt.ErrInvalidData

	// ErrInvalidSignature is a security-relevant rejection: some record
	// is not signed for the claimed allocation key.
	ErrInvalidSignature = errors.New("receipts are not signed for the given allocation")

	// ErrUnorderedReceipts means receipt ids are not strictly ascending.
	// Never sorted-and-retried here: silently reordering could mask an
	// attempted double-collection.
	ErrUnorderedReceipts = errors.New("unordered receipts")

	// ErrUnorderedPartialVouchers means partial voucher ranges overlap or
	// are out of order in the caller-supplied sequence.
	ErrUnorderedPartialVouchers = errors.New("unordered partial vouchers")

	// ErrNoValue rejects zero-fee claims; the redemption contract would
	// revert on them anyway.
	ErrNoValue = errors.New("receipts have no value")
)

// maxFee caps saturating sums at the largest 256-bit value.
var maxFee = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// Voucher authorizes on-chain redemption of Fees for AllocationID. It is
// signed by the voucher signing key, which must be distinct from every
// allocation signer.
type Voucher struct {
	AllocationID common.Address `json:"allocation_id"`
	Fees         *big.Int       `json:"fees"`
	Signature    []byte         `json:"signature"`
}

// PartialVoucher is a Voucher over a disjoint sub-range of receipt ids,
// combinable with others covering neighboring ranges.
type PartialVoucher struct {
	Voucher
	ReceiptIDMin receipt.ID `json:"receipt_id_min"`
	ReceiptIDMax receipt.ID `json:"receipt_id_max"`
}

func saturatingAdd(sum, fee *big.Int) *big.Int {
	sum.Add(sum, fee)
	if sum.Cmp(maxFee) > 0 {
		sum.Set(maxFee)
	}
	return sum
}

// receiptMessage rebuilds the signed prefix for one record. The
// allocation id is hashed in but not stored per record, which strips
// redundant wire bytes while still preventing cross-allocation replay.
func receiptMessage(allocationID common.Address, r *receipt.Record) []byte {
	var fee [32]byte
	msg := make([]byte, 0, common.AddressLength+32+receipt.ReceiptIDSize)
	msg = append(msg, allocationID.Bytes()...)
	r.TotalFee.FillBytes(fee[:])
	msg = append(msg, fee[:]...)
	msg = append(msg, r.ReceiptID[:]...)
	return msg
}

func voucherMessage(allocationID common.Address, fees *big.Int) []byte {
	var fee [32]byte
	msg := make([]byte, 0, common.AddressLength+32)
	msg = append(msg, allocationID.Bytes()...)
	fees.FillBytes(fee[:])
	msg = append(msg, fee[:]...)
	return msg
}

func partialVoucherMessage(allocationID common.Address, fees *big.Int, min, max receipt.ID) []byte {
	msg := voucherMessage(allocationID, fees)
	msg = append(msg, min[:]...)
	msg = append(msg, max[:]...)
	return msg
}

// VerifyReceipts checks a concatenated buffer of receipt records against
// the allocation's signing key and returns the saturating sum of fees.
//
// The strictly-ascending id check doubles as a uniqueness proof and is
// enforced regardless of how the issuer mints ids.
func VerifyReceipts(domain signing.Domain, allocationID common.Address, allocationKey *ecdsa.PublicKey, data []byte) (*big.Int, error) {
	records, err := receipt.ParseRecords(data)
	if err != nil {
		return nil, err
	}
	for i := 1; i < len(records); i++ {
		if !records[i-1].ReceiptID.Less(records[i].ReceiptID) {
			return nil, ErrUnorderedReceipts
		}
	}

	fees := new(big.Int)
	for i := range records {
		ok, err := signing.Verify(domain, allocationKey, receiptMessage(allocationID, &records[i]), records[i].Signature[:])
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrInvalidSignature
		}
		saturatingAdd(fees, records[i].TotalFee)
	}

	if fees.Sign() == 0 {
		return nil, ErrNoValue
	}
	return fees, nil
}

// ReceiptsToVoucher verifies data and signs the aggregate claim with the
// voucher signing key. The voucher signer must be dedicated to this
// purpose, hold no funds, and sign nothing else.
func ReceiptsToVoucher(allocationID common.Address, allocationKey *ecdsa.PublicKey, voucherSigner *signing.Signer, data []byte) (*Voucher, error) {
	fees, err := VerifyReceipts(voucherSigner.Domain(), allocationID, allocationKey, data)
	if err != nil {
		return nil, err
	}
	sig, err := voucherSigner.Sign(voucherMessage(allocationID, fees))
	if err != nil {
		return nil, err
	}
	return &Voucher{AllocationID: allocationID, Fees: fees, Signature: sig}, nil
}

// ReceiptsToPartialVoucher is ReceiptsToVoucher plus the inclusive
// receipt-id bounds of the batch, which are part of the signed message.
func ReceiptsToPartialVoucher(allocationID common.Address, allocationKey *ecdsa.PublicKey, voucherSigner *signing.Signer, data []byte) (*PartialVoucher, error) {
	fees, err := VerifyReceipts(voucherSigner.Domain(), allocationID, allocationKey, data)
	if err != nil {
		return nil, err
	}
	records, err := receipt.ParseRecords(data)
	if err != nil {
		return nil, err
	}
	min := records[0].ReceiptID
	max := records[len(records)-1].ReceiptID
	sig, err := voucherSigner.Sign(partialVoucherMessage(allocationID, fees, min, max))
	if err != nil {
		return nil, err
	}
	return &PartialVoucher{
		Voucher:      Voucher{AllocationID: allocationID, Fees: fees, Signature: sig},
		ReceiptIDMin: min,
		ReceiptIDMax: max,
	}, nil
}

// CombinePartialVouchers folds partial vouchers over disjoint, ascending
// receipt-id ranges into one Voucher. The caller-supplied order is
// verified, never re-sorted; overlapping or repeated ranges would let
// the same underlying receipts be counted twice.
//
// Signing is deterministic, so combining disjoint partial vouchers
// yields the same claim as aggregating their concatenated receipts
// directly.
func CombinePartialVouchers(allocationID common.Address, voucherSigner *signing.Signer, partialVouchers []PartialVoucher) (*Voucher, error) {
	if len(partialVouchers) == 0 {
		return nil, ErrNoValue
	}

	// Ranges must be individually valid (min <= max; equal for a
	// single-receipt batch) and pairwise disjoint and ascending in the
	// given order: prev.max < next.min.
	for i := range partialVouchers {
		pv := &partialVouchers[i]
		if pv.Fees == nil || pv.Fees.Sign() < 0 {
			return nil, ErrInvalidData
		}
		if pv.ReceiptIDMax.Less(pv.ReceiptIDMin) {
			return nil, ErrUnorderedPartialVouchers
		}
		if i > 0 && !partialVouchers[i-1].ReceiptIDMax.Less(pv.ReceiptIDMin) {
			return nil, ErrUnorderedPartialVouchers
		}
	}

	// Partial vouchers are artifacts of this aggregator, already vetted
	// against the allocation key once; verify against the voucher key.
	fees := new(big.Int)
	for i := range partialVouchers {
		pv := &partialVouchers[i]
		msg := partialVoucherMessage(allocationID, pv.Fees, pv.ReceiptIDMin, pv.ReceiptIDMax)
		ok, err := signing.Verify(voucherSigner.Domain(), voucherSigner.PublicKey(), msg, pv.Signature)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrInvalidSignature
		}
		saturatingAdd(fees, pv.Fees)
	}
	if fees.Sign() == 0 {
		return nil, ErrNoValue
	}

	sig, err := voucherSigner.Sign(voucherMessage(allocationID, fees))
	if err != nil {
		return nil, err
	}
	return &Voucher{AllocationID: allocationID, Fees: fees, Signature: sig}, nil
}
