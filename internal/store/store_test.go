package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/redis/go-redis/v9"

	"github.com/gatewaypay/receipts/internal/voucher"
)

var testAllocationID = common.HexToAddress("0x1111111111111111111111111111111111111111")

func newTestStore(t *testing.T) (*Store, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(rdb), rdb
}

// ── records ───────────────────────────────────────────────────────────────────

func TestAppendRecord_Concatenates(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	r1 := bytes.Repeat([]byte{0xaa}, 112)
	r2 := bytes.Repeat([]byte{0xbb}, 112)
	if err := s.AppendRecord(ctx, testAllocationID, r1); err != nil {
		t.Fatalf("AppendRecord: %v", err)
	}
	if err := s.AppendRecord(ctx, testAllocationID, r2); err != nil {
		t.Fatalf("AppendRecord: %v", err)
	}

	got, err := s.Records(ctx, testAllocationID)
	if err != nil {
		t.Fatalf("Records: %v", err)
	}
	want := append(append([]byte{}, r1...), r2...)
	if !bytes.Equal(got, want) {
		t.Error("records buffer is not the concatenation of appends")
	}
}

func TestRecords_EmptyAllocation(t *testing.T) {
	s, _ := newTestStore(t)
	got, err := s.Records(context.Background(), testAllocationID)
	if err != nil {
		t.Fatalf("Records: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil buffer, got %d bytes", len(got))
	}
}

func TestRecords_SeparateBuffersPerAllocation(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	other := common.HexToAddress("0x2222222222222222222222222222222222222222")

	s.AppendRecord(ctx, testAllocationID, []byte("first")) //nolint:errcheck
	s.AppendRecord(ctx, other, []byte("second"))           //nolint:errcheck

	got, _ := s.Records(ctx, testAllocationID)
	if string(got) != "first" {
		t.Errorf("buffer crossover: got %q", got)
	}
}

// ── signer registry ───────────────────────────────────────────────────────────

func TestRegisterSigner_RoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	key, _ := crypto.GenerateKey()
	if err := s.RegisterSigner(ctx, testAllocationID, &key.PublicKey); err != nil {
		t.Fatalf("RegisterSigner: %v", err)
	}

	got, err := s.SignerFor(ctx, testAllocationID)
	if err != nil {
		t.Fatalf("SignerFor: %v", err)
	}
	if got == nil || crypto.PubkeyToAddress(*got) != crypto.PubkeyToAddress(key.PublicKey) {
		t.Error("registered signer does not round trip")
	}
}

func TestSignerFor_Unknown(t *testing.T) {
	s, _ := newTestStore(t)
	got, err := s.SignerFor(context.Background(), testAllocationID)
	if err != nil {
		t.Fatalf("SignerFor: %v", err)
	}
	if got != nil {
		t.Error("unknown allocation should have no signer")
	}
}

func TestRegisterSigner_FirstWins(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	first, _ := crypto.GenerateKey()
	second, _ := crypto.GenerateKey()
	s.RegisterSigner(ctx, testAllocationID, &first.PublicKey)  //nolint:errcheck
	s.RegisterSigner(ctx, testAllocationID, &second.PublicKey) //nolint:errcheck

	got, _ := s.SignerFor(ctx, testAllocationID)
	if crypto.PubkeyToAddress(*got) != crypto.PubkeyToAddress(first.PublicKey) {
		t.Error("a later registration must not re-bind the allocation")
	}
}

// ── clear ─────────────────────────────────────────────────────────────────────

func TestClear(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	key, _ := crypto.GenerateKey()
	s.AppendRecord(ctx, testAllocationID, []byte("data"))   //nolint:errcheck
	s.RegisterSigner(ctx, testAllocationID, &key.PublicKey) //nolint:errcheck
	if err := s.Clear(ctx, testAllocationID); err != nil {
		t.Fatalf("Clear: %v", err)
	}

	if got, _ := s.Records(ctx, testAllocationID); got != nil {
		t.Error("records survived Clear")
	}
	if got, _ := s.SignerFor(ctx, testAllocationID); got != nil {
		t.Error("signer binding survived Clear")
	}
}

// ── voucher queue ─────────────────────────────────────────────────────────────

func TestEnqueueVoucher(t *testing.T) {
	s, rdb := newTestStore(t)
	ctx := context.Background()

	v := &voucher.Voucher{
		AllocationID: testAllocationID,
		Fees:         big.NewInt(12345),
		Signature:    bytes.Repeat([]byte{0x01}, 65),
	}
	if err := s.EnqueueVoucher(ctx, v); err != nil {
		t.Fatalf("EnqueueVoucher: %v", err)
	}

	queueKey := fmt.Sprintf(VoucherQueueKeyFmt, testAllocationID.Hex())
	raw, err := rdb.LPop(ctx, queueKey).Result()
	if err != nil {
		t.Fatalf("LPop: %v", err)
	}
	var got voucher.Voucher
	if err := json.Unmarshal([]byte(raw), &got); err != nil {
		t.Fatalf("queue item is not valid JSON: %v", err)
	}
	if got.AllocationID != testAllocationID {
		t.Errorf("AllocationID: got %s", got.AllocationID.Hex())
	}
	if got.Fees.Cmp(v.Fees) != 0 {
		t.Errorf("Fees: got %s want %s", got.Fees, v.Fees)
	}
}
