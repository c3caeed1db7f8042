package receipt

import (
	"bytes"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

// ── ID ordering and minting ───────────────────────────────────────────────────

func TestID_NextIncrements(t *testing.T) {
	var id ID
	next := id.Next()
	want := ID{}
	want[ReceiptIDSize-1] = 1
	if next != want {
		t.Errorf("Next of zero: got %v want %v", next, want)
	}
}

func TestID_NextCarries(t *testing.T) {
	var id ID
	id[ReceiptIDSize-1] = 0xff
	next := id.Next()
	if next[ReceiptIDSize-1] != 0 || next[ReceiptIDSize-2] != 1 {
		t.Errorf("carry not propagated: %v", next)
	}
}

func TestID_Less(t *testing.T) {
	var a, b ID
	b[ReceiptIDSize-1] = 1
	if !a.Less(b) {
		t.Error("zero should order before one")
	}
	if b.Less(a) {
		t.Error("one should not order before zero")
	}
	if a.Less(a) {
		t.Error("Less must be strict")
	}
}

func TestID_SuccessorsStrictlyAscend(t *testing.T) {
	var id ID
	for range 1000 {
		next := id.Next()
		if !id.Less(next) {
			t.Fatalf("successor %v does not order after %v", next, id)
		}
		id = next
	}
}

func TestID_TextRoundTrip(t *testing.T) {
	id := ID{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15}
	text, err := id.MarshalText()
	if err != nil {
		t.Fatalf("MarshalText: %v", err)
	}
	var got ID
	if err := got.UnmarshalText(text); err != nil {
		t.Fatalf("UnmarshalText: %v", err)
	}
	if got != id {
		t.Errorf("round trip: got %v want %v", got, id)
	}
}

func TestID_UnmarshalTextWrongLength(t *testing.T) {
	var id ID
	if err := id.UnmarshalText([]byte("abcd")); !errors.Is(err, ErrInvalidData) {
		t.Errorf("short text: got %v want ErrInvalidData", err)
	}
}

// ── Commitment codec ──────────────────────────────────────────────────────────

func testCommitment() *Commitment {
	c := &Commitment{
		AllocationID: common.HexToAddress("0x1111111111111111111111111111111111111111"),
		TotalFee:     big.NewInt(12345),
		UnlockedFee:  big.NewInt(45),
	}
	c.ReceiptID[ReceiptIDSize-1] = 7
	for i := range c.Signature {
		c.Signature[i] = byte(i)
	}
	return c
}

func TestCommitment_EncodeLength(t *testing.T) {
	encoded := testCommitment().Encode(nil)
	if len(encoded) != CommitmentSize {
		t.Fatalf("encoded length: got %d want %d", len(encoded), CommitmentSize)
	}
}

func TestCommitment_RoundTrip(t *testing.T) {
	c := testCommitment()
	got, err := DecodeCommitment(c.Encode(nil))
	if err != nil {
		t.Fatalf("DecodeCommitment: %v", err)
	}
	if got.AllocationID != c.AllocationID {
		t.Errorf("AllocationID: got %s want %s", got.AllocationID.Hex(), c.AllocationID.Hex())
	}
	if got.TotalFee.Cmp(c.TotalFee) != 0 {
		t.Errorf("TotalFee: got %s want %s", got.TotalFee, c.TotalFee)
	}
	if got.ReceiptID != c.ReceiptID {
		t.Errorf("ReceiptID: got %v want %v", got.ReceiptID, c.ReceiptID)
	}
	if got.Signature != c.Signature {
		t.Error("Signature mismatch")
	}
	if got.UnlockedFee.Cmp(c.UnlockedFee) != 0 {
		t.Errorf("UnlockedFee: got %s want %s", got.UnlockedFee, c.UnlockedFee)
	}
}

func TestDecodeCommitment_WrongLength(t *testing.T) {
	for _, n := range []int{0, 1, CommitmentSize - 1, CommitmentSize + 1, 2 * CommitmentSize} {
		if _, err := DecodeCommitment(make([]byte, n)); !errors.Is(err, ErrInvalidData) {
			t.Errorf("length %d: got %v want ErrInvalidData", n, err)
		}
	}
}

func TestCommitment_SignedPortionExcludesUnlockedFee(t *testing.T) {
	c := testCommitment()
	signed := c.SignedPortion()
	if len(signed) != common.AddressLength+32+ReceiptIDSize {
		t.Fatalf("signed portion length: got %d", len(signed))
	}
	// Changing the bookkeeping field must not change the signed bytes.
	c.UnlockedFee = big.NewInt(999)
	if !bytes.Equal(signed, c.SignedPortion()) {
		t.Error("unlocked fee leaked into the signed portion")
	}
}

func TestCommitment_RecordLayout(t *testing.T) {
	c := testCommitment()
	record := c.Record()
	if len(record) != RecordSize {
		t.Fatalf("record length: got %d want %d", len(record), RecordSize)
	}
	records, err := ParseRecords(record)
	if err != nil {
		t.Fatalf("ParseRecords: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("record count: got %d want 1", len(records))
	}
	r := records[0]
	if r.TotalFee.Cmp(c.TotalFee) != 0 {
		t.Errorf("TotalFee: got %s want %s", r.TotalFee, c.TotalFee)
	}
	if r.ReceiptID != c.ReceiptID {
		t.Errorf("ReceiptID: got %v want %v", r.ReceiptID, c.ReceiptID)
	}
	if r.Signature != c.Signature {
		t.Error("Signature mismatch")
	}
}

func TestParseRecords_WrongLength(t *testing.T) {
	if _, err := ParseRecords(make([]byte, RecordSize+1)); !errors.Is(err, ErrInvalidData) {
		t.Errorf("ragged buffer: got %v want ErrInvalidData", err)
	}
}

func TestParseRecords_Empty(t *testing.T) {
	records, err := ParseRecords(nil)
	if err != nil {
		t.Fatalf("empty buffer: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("record count: got %d want 0", len(records))
	}
}
