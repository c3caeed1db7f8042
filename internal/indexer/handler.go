// Package indexer exposes the fee-collecting side: it ingests
// commitments, accumulates stripped receipt records, and turns them
// into redeemable vouchers.
package indexer

import (
	"crypto/ecdsa"
	"errors"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/gatewaypay/receipts/internal/receipt"
	"github.com/gatewaypay/receipts/internal/signing"
	"github.com/gatewaypay/receipts/internal/store"
	"github.com/gatewaypay/receipts/internal/voucher"
)

// Handler wires the collector routes onto a Gin engine.
type Handler struct {
	store         *store.Store
	voucherSigner *signing.Signer
	log           *zap.Logger
}

func NewHandler(s *store.Store, voucherSigner *signing.Signer, log *zap.Logger) *Handler {
	return &Handler{store: s, voucherSigner: voucherSigner, log: log}
}

// Register mounts all routes.
func (h *Handler) Register(rg *gin.RouterGroup) {
	rg.POST("/receipts", h.handleIngest)
	rg.POST("/vouchers", h.handleVoucher)
	rg.POST("/vouchers/partial", h.handlePartialVoucher)
	rg.POST("/vouchers/combine", h.handleCombine)
}

type ingestRequest struct {
	Commitment string `json:"commitment" binding:"required"`
}

// handleIngest verifies an incoming commitment and appends its stripped
// record to the allocation's buffer. The allocation signer is learned
// from the first commitment seen; later commitments must recover to the
// same key.
func (h *Handler) handleIngest(c *gin.Context) {
	var req ingestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	raw, err := hexutil.Decode(req.Commitment)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid commitment encoding"})
		return
	}
	cm, err := receipt.DecodeCommitment(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid commitment"})
		return
	}

	recovered, err := signing.Recover(h.voucherSigner.Domain(), cm.SignedPortion(), cm.Signature[:])
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid commitment signature"})
		return
	}

	ctx := c.Request.Context()
	known, err := h.store.SignerFor(ctx, cm.AllocationID)
	if err != nil {
		h.log.Error("ingest: load signer", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store unavailable"})
		return
	}
	if known == nil {
		if err := h.store.RegisterSigner(ctx, cm.AllocationID, recovered); err != nil {
			h.log.Error("ingest: register signer", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "store unavailable"})
			return
		}
	} else if !samePublicKey(known, recovered) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "commitment not signed by allocation signer"})
		return
	}

	if err := h.store.AppendRecord(ctx, cm.AllocationID, cm.Record()); err != nil {
		h.log.Error("ingest: append record", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func samePublicKey(a, b *ecdsa.PublicKey) bool {
	return crypto.PubkeyToAddress(*a) == crypto.PubkeyToAddress(*b)
}

type voucherRequest struct {
	AllocationID string `json:"allocation_id" binding:"required"`
}

func (h *Handler) loadAggregationInput(c *gin.Context, rawID string) (common.Address, *ecdsa.PublicKey, []byte, bool) {
	if !common.IsHexAddress(rawID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid allocation id"})
		return common.Address{}, nil, nil, false
	}
	id := common.HexToAddress(rawID)
	ctx := c.Request.Context()

	key, err := h.store.SignerFor(ctx, id)
	if err != nil {
		h.log.Error("aggregate: load signer", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store unavailable"})
		return common.Address{}, nil, nil, false
	}
	if key == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown allocation"})
		return common.Address{}, nil, nil, false
	}
	records, err := h.store.Records(ctx, id)
	if err != nil {
		h.log.Error("aggregate: load records", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store unavailable"})
		return common.Address{}, nil, nil, false
	}
	return id, key, records, true
}

func aggregationStatus(err error) (int, string) {
	switch {
	case errors.Is(err, voucher.ErrInvalidSignature):
		return http.StatusBadRequest, "receipts are not signed for the allocation"
	case errors.Is(err, voucher.ErrUnorderedReceipts):
		return http.StatusBadRequest, "unordered receipts"
	case errors.Is(err, voucher.ErrUnorderedPartialVouchers):
		return http.StatusBadRequest, "unordered partial vouchers"
	case errors.Is(err, voucher.ErrNoValue):
		return http.StatusBadRequest, "receipts have no value"
	case errors.Is(err, voucher.ErrInvalidData):
		return http.StatusBadRequest, "invalid receipts data"
	}
	return http.StatusInternalServerError, "aggregation failed"
}

func (h *Handler) handleVoucher(c *gin.Context) {
	var req voucherRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	id, key, records, ok := h.loadAggregationInput(c, req.AllocationID)
	if !ok {
		return
	}

	v, err := voucher.ReceiptsToVoucher(id, key, h.voucherSigner, records)
	if err != nil {
		status, msg := aggregationStatus(err)
		c.JSON(status, gin.H{"error": msg})
		return
	}
	if err := h.store.EnqueueVoucher(c.Request.Context(), v); err != nil {
		h.log.Error("voucher: enqueue", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store unavailable"})
		return
	}
	h.log.Info("voucher produced",
		zap.String("allocation", id.Hex()),
		zap.String("fees", v.Fees.String()),
	)
	c.JSON(http.StatusOK, v)
}

type partialVoucherRequest struct {
	AllocationID string `json:"allocation_id" binding:"required"`
	// From and To are record indexes, half-open [From, To).
	From int `json:"from"`
	To   int `json:"to" binding:"required"`
}

func (h *Handler) handlePartialVoucher(c *gin.Context) {
	var req partialVoucherRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	id, key, records, ok := h.loadAggregationInput(c, req.AllocationID)
	if !ok {
		return
	}
	total := len(records) / receipt.RecordSize
	if req.From < 0 || req.To > total || req.From >= req.To {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid record range"})
		return
	}
	sub := records[req.From*receipt.RecordSize : req.To*receipt.RecordSize]

	pv, err := voucher.ReceiptsToPartialVoucher(id, key, h.voucherSigner, sub)
	if err != nil {
		status, msg := aggregationStatus(err)
		c.JSON(status, gin.H{"error": msg})
		return
	}
	c.JSON(http.StatusOK, pv)
}

type combineRequest struct {
	AllocationID string                   `json:"allocation_id" binding:"required"`
	Partials     []voucher.PartialVoucher `json:"partials" binding:"required"`
}

func (h *Handler) handleCombine(c *gin.Context) {
	var req combineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if !common.IsHexAddress(req.AllocationID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid allocation id"})
		return
	}
	id := common.HexToAddress(req.AllocationID)

	v, err := voucher.CombinePartialVouchers(id, h.voucherSigner, req.Partials)
	if err != nil {
		status, msg := aggregationStatus(err)
		c.JSON(status, gin.H{"error": msg})
		return
	}
	if err := h.store.EnqueueVoucher(c.Request.Context(), v); err != nil {
		h.log.Error("combine: enqueue", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store unavailable"})
		return
	}
	h.log.Info("combined voucher produced",
		zap.String("allocation", id.Hex()),
		zap.Int("partials", len(req.Partials)),
		zap.String("fees", v.Fees.String()),
	)
	c.JSON(http.StatusOK, v)
}
