// Package pool issues and reconciles fee commitments against
// collateral-backed allocations on the gateway side.
//
// A ReceiptPool is not internally synchronized: Commit and Release are
// atomic at the call boundary, but concurrent callers must serialize
// access externally (the gateway service holds the mutex). Pool state is
// deliberately not durable; after a crash, collateral is recovered by
// rotating allocations against chain state.
package pool

import (
	crand "crypto/rand"
	"errors"
	"math/big"
	"math/rand/v2"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gatewaypay/receipts/internal/receipt"
	"github.com/gatewaypay/receipts/internal/signing"
)

// ErrInsufficientCollateral means no installed allocation can fund the
// requested fee. The caller must install a new allocation; the pool
// never retries or waits.
var ErrInsufficientCollateral = errors.New("insufficient collateral")

// Outcome is the reported result of the unit of work a commitment paid for.
type Outcome uint8

const (
	// OutcomeSuccess confirms the counterpart honored the receipt; the
	// full committed fee becomes payable.
	OutcomeSuccess Outcome = iota
	// OutcomeFailure confirms the counterpart did not honor the receipt;
	// the locked portion returns to collateral.
	OutcomeFailure
	// OutcomeUnknown means neither party can tell what happened (e.g. a
	// timeout). The receipt is forfeited: never recycled, collateral not
	// recovered until the allocation itself is removed.
	OutcomeUnknown
)

// SelectionStrategy picks which eligible allocation funds a commitment.
type SelectionStrategy uint8

const (
	// LeastCollateral picks the eligible allocation with the smallest
	// remaining collateral. This equalizes exhaustion times and keeps the
	// number of concurrently open allocations (each with a fixed on-chain
	// cost) to a minimum.
	LeastCollateral SelectionStrategy = iota
	// MostRecentlyAdded picks the newest eligible allocation. Kept for
	// compatibility with deployments that rotate allocations eagerly.
	MostRecentlyAdded
)

// pooledReceipt is a recyclable receipt slot. unlockedFee is the amount
// already confirmed payable, folded into the next commitment that reuses
// this slot.
type pooledReceipt struct {
	id          receipt.ID
	unlockedFee *big.Int
}

// allocation must never be copied: its signer is dedicated to this
// allocation id alone, otherwise receipts could be collected against the
// wrong allocation.
type allocation struct {
	id         common.Address
	collateral *big.Int
	signer     *signing.Signer
	seq        uint64
	nextID     receipt.ID
	cache      []pooledReceipt
}

type ReceiptPool struct {
	allocations []*allocation
	nextSeq     uint64
	strategy    SelectionStrategy
	randomIDs   bool
}

// Option configures a ReceiptPool.
type Option func(*ReceiptPool)

// WithSelectionStrategy overrides the default LeastCollateral policy.
func WithSelectionStrategy(s SelectionStrategy) Option {
	return func(p *ReceiptPool) { p.strategy = s }
}

// WithRandomReceiptIDs mints receipt ids from crypto/rand instead of the
// per-allocation monotonic counter. Aggregation then depends on the
// collector sorting records, since the indexer rejects unordered ids.
func WithRandomReceiptIDs() Option {
	return func(p *ReceiptPool) { p.randomIDs = true }
}

func New(opts ...Option) *ReceiptPool {
	p := &ReceiptPool{strategy: LeastCollateral}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// AddAllocation installs a new allocation. Adding an id that is already
// present is a no-op, even if the collateral differs.
func (p *ReceiptPool) AddAllocation(signer *signing.Signer, collateral *big.Int, id common.Address) {
	for _, a := range p.allocations {
		if a.id == id {
			return
		}
	}
	// Installation order survives removal (RemoveAllocation swap-removes),
	// so recency is tracked per allocation rather than by slice position.
	p.nextSeq++
	p.allocations = append(p.allocations, &allocation{
		id:         id,
		collateral: new(big.Int).Set(collateral),
		signer:     signer,
		seq:        p.nextSeq,
	})
}

// RemoveAllocation uninstalls an allocation along with its cached
// receipts. Commitments still in flight for it are forfeited: an
// uninstalled allocation must never be paid again.
func (p *ReceiptPool) RemoveAllocation(id common.Address) {
	for i, a := range p.allocations {
		if a.id == id {
			last := len(p.allocations) - 1
			p.allocations[i] = p.allocations[last]
			p.allocations = p.allocations[:last]
			return
		}
	}
}

// HasCollateralFor reports whether some single allocation could fund
// lockedFee. Collateral is never pooled across allocations.
func (p *ReceiptPool) HasCollateralFor(lockedFee *big.Int) bool {
	for _, a := range p.allocations {
		if a.collateral.Cmp(lockedFee) >= 0 {
			return true
		}
	}
	return false
}

func (p *ReceiptPool) selectAllocation(lockedFee *big.Int) *allocation {
	var selected *allocation
	for _, a := range p.allocations {
		if a.collateral.Cmp(lockedFee) < 0 {
			continue
		}
		switch p.strategy {
		case MostRecentlyAdded:
			if selected == nil || selected.seq < a.seq {
				selected = a
			}
		default:
			if selected == nil || selected.collateral.Cmp(a.collateral) > 0 {
				selected = a
			}
		}
	}
	return selected
}

func (a *allocation) mintReceiptID(random bool) receipt.ID {
	if random {
		var id receipt.ID
		crand.Read(id[:]) //nolint:errcheck
		return id
	}
	a.nextID = a.nextID.Next()
	return a.nextID
}

// Commit locks lockedFee against the best eligible allocation and
// returns the encoded commitment bytes. The caller owns the bytes; the
// pool keeps no record of the outstanding commitment.
func (p *ReceiptPool) Commit(lockedFee *big.Int) ([]byte, error) {
	a := p.selectAllocation(lockedFee)
	if a == nil {
		return nil, ErrInsufficientCollateral
	}
	a.collateral.Sub(a.collateral, lockedFee)

	// Cached receipts are fungible, so any unbiased pick will do.
	var pr pooledReceipt
	if len(a.cache) == 0 {
		pr = pooledReceipt{
			id:          a.mintReceiptID(p.randomIDs),
			unlockedFee: new(big.Int),
		}
	} else {
		i := rand.IntN(len(a.cache))
		last := len(a.cache) - 1
		pr = a.cache[i]
		a.cache[i] = a.cache[last]
		a.cache = a.cache[:last]
	}

	// Cannot overflow 32 bytes: an allocation's committed total is
	// bounded by its original collateral.
	c := &receipt.Commitment{
		AllocationID: a.id,
		TotalFee:     new(big.Int).Add(pr.unlockedFee, lockedFee),
		ReceiptID:    pr.id,
		UnlockedFee:  pr.unlockedFee,
	}
	sig, err := a.signer.Sign(c.SignedPortion())
	if err != nil {
		// Leave no partial mutation behind.
		a.collateral.Add(a.collateral, lockedFee)
		a.cache = append(a.cache, pr)
		return nil, err
	}
	copy(c.Signature[:], sig)
	return c.Encode(nil), nil
}

// Release reconciles a commitment previously returned by Commit. A
// commitment for an allocation that has since been removed is discarded
// silently; its funds were forfeited at removal time.
func (p *ReceiptPool) Release(commitment []byte, outcome Outcome) error {
	c, err := receipt.DecodeCommitment(commitment)
	if err != nil {
		return err
	}
	var a *allocation
	for _, cand := range p.allocations {
		if cand.id == c.AllocationID {
			a = cand
			break
		}
	}
	if a == nil {
		return nil
	}

	lockedFee := new(big.Int).Sub(c.TotalFee, c.UnlockedFee)
	switch outcome {
	case OutcomeSuccess:
		a.cache = append(a.cache, pooledReceipt{id: c.ReceiptID, unlockedFee: c.TotalFee})
	case OutcomeFailure:
		a.collateral.Add(a.collateral, lockedFee)
		a.cache = append(a.cache, pooledReceipt{id: c.ReceiptID, unlockedFee: c.UnlockedFee})
	case OutcomeUnknown:
		// Indeterminate outcomes forfeit the locked fee rather than risk
		// double-collection under ambiguity. No sync protocol, no retry.
	}
	return nil
}
