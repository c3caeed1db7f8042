// Package store is the indexer's receipt accumulator: per-allocation
// append-only record buffers plus the queue of redeemable vouchers,
// both in Redis.
package store

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/redis/go-redis/v9"

	"github.com/gatewaypay/receipts/internal/voucher"
)

// Redis key templates
const (
	recordsKeyFmt = "receipts:records:%s" // %s = allocation address (checksummed)
	signerKeyFmt  = "receipts:signer:%s"

	// VoucherQueueKeyFmt holds produced vouchers awaiting on-chain
	// redemption, exported for the redeemer process.
	VoucherQueueKeyFmt = "voucher:queue:%s"
)

type Store struct {
	rdb *redis.Client
}

func New(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// AppendRecord concatenates one fixed-size receipt record onto the
// allocation's buffer. The buffer is exactly the byte stream the
// voucher aggregator consumes.
func (s *Store) AppendRecord(ctx context.Context, allocationID common.Address, record []byte) error {
	key := fmt.Sprintf(recordsKeyFmt, allocationID.Hex())
	if err := s.rdb.Append(ctx, key, string(record)).Err(); err != nil {
		return fmt.Errorf("append record: %w", err)
	}
	return nil
}

// Records returns the allocation's accumulated record buffer, nil if none.
func (s *Store) Records(ctx context.Context, allocationID common.Address) ([]byte, error) {
	key := fmt.Sprintf(recordsKeyFmt, allocationID.Hex())
	raw, err := s.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get records: %w", err)
	}
	return raw, nil
}

// RegisterSigner binds the allocation's public key on first sight. The
// first registration wins; later calls with a different key are ignored,
// so a hijacked sender cannot re-bind an allocation.
func (s *Store) RegisterSigner(ctx context.Context, allocationID common.Address, pub *ecdsa.PublicKey) error {
	key := fmt.Sprintf(signerKeyFmt, allocationID.Hex())
	encoded := hex.EncodeToString(crypto.FromECDSAPub(pub))
	if err := s.rdb.SetNX(ctx, key, encoded, 0).Err(); err != nil {
		return fmt.Errorf("register signer: %w", err)
	}
	return nil
}

// SignerFor returns the registered allocation key, nil if none is known.
func (s *Store) SignerFor(ctx context.Context, allocationID common.Address) (*ecdsa.PublicKey, error) {
	key := fmt.Sprintf(signerKeyFmt, allocationID.Hex())
	encoded, err := s.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get signer: %w", err)
	}
	raw, err := hex.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode signer: %w", err)
	}
	pub, err := crypto.UnmarshalPubkey(raw)
	if err != nil {
		return nil, fmt.Errorf("unmarshal signer: %w", err)
	}
	return pub, nil
}

// Clear drops the allocation's record buffer and signer binding, e.g.
// after its voucher has been redeemed.
func (s *Store) Clear(ctx context.Context, allocationID common.Address) error {
	return s.rdb.Del(ctx,
		fmt.Sprintf(recordsKeyFmt, allocationID.Hex()),
		fmt.Sprintf(signerKeyFmt, allocationID.Hex()),
	).Err()
}

// EnqueueVoucher pushes a produced voucher onto the redemption queue.
func (s *Store) EnqueueVoucher(ctx context.Context, v *voucher.Voucher) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal voucher: %w", err)
	}
	queueKey := fmt.Sprintf(VoucherQueueKeyFmt, v.AllocationID.Hex())
	return s.rdb.RPush(ctx, queueKey, string(raw)).Err()
}
