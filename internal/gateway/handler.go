// Package gateway exposes the receipt pool over HTTP for the fee-paying
// side. The pool itself is single-threaded; this layer provides the
// external serialization it requires.
package gateway

import (
	"errors"
	"math/big"
	"net/http"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/gatewaypay/receipts/internal/pool"
	"github.com/gatewaypay/receipts/internal/signing"
)

// Handler wires the pool routes onto a Gin engine.
type Handler struct {
	mu     sync.Mutex // the pool provides no internal synchronization
	pool   *pool.ReceiptPool
	domain signing.Domain
	log    *zap.Logger
}

func NewHandler(p *pool.ReceiptPool, domain signing.Domain, log *zap.Logger) *Handler {
	return &Handler{pool: p, domain: domain, log: log}
}

// Register mounts all routes.
func (h *Handler) Register(rg *gin.RouterGroup) {
	rg.POST("/allocations", h.handleAddAllocation)
	rg.DELETE("/allocations/:id", h.handleRemoveAllocation)
	rg.POST("/commit", h.handleCommit)
	rg.POST("/release", h.handleRelease)
}

type addAllocationRequest struct {
	ID         string `json:"id" binding:"required"`
	Collateral string `json:"collateral" binding:"required"`
	// SignerKey is the allocation's dedicated signing key, hex encoded.
	// It must never be shared across allocations.
	SignerKey string `json:"signer_key" binding:"required"`
}

func (h *Handler) handleAddAllocation(c *gin.Context) {
	var req addAllocationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if !common.IsHexAddress(req.ID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid allocation id"})
		return
	}
	collateral, ok := new(big.Int).SetString(req.Collateral, 10)
	if !ok || collateral.Sign() < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid collateral"})
		return
	}
	key, err := crypto.HexToECDSA(req.SignerKey)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid signer key"})
		return
	}

	id := common.HexToAddress(req.ID)
	h.mu.Lock()
	h.pool.AddAllocation(signing.NewSigner(key, h.domain), collateral, id)
	h.mu.Unlock()

	h.log.Info("allocation installed",
		zap.String("allocation", id.Hex()),
		zap.String("collateral", collateral.String()),
	)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *Handler) handleRemoveAllocation(c *gin.Context) {
	raw := c.Param("id")
	if !common.IsHexAddress(raw) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid allocation id"})
		return
	}
	id := common.HexToAddress(raw)

	h.mu.Lock()
	h.pool.RemoveAllocation(id)
	h.mu.Unlock()

	h.log.Info("allocation removed", zap.String("allocation", id.Hex()))
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type commitRequest struct {
	Fee string `json:"fee" binding:"required"`
}

func (h *Handler) handleCommit(c *gin.Context) {
	var req commitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	fee, ok := new(big.Int).SetString(req.Fee, 10)
	if !ok || fee.Sign() < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid fee"})
		return
	}

	h.mu.Lock()
	commitment, err := h.pool.Commit(fee)
	h.mu.Unlock()

	if errors.Is(err, pool.ErrInsufficientCollateral) {
		c.JSON(http.StatusConflict, gin.H{"error": "insufficient collateral"})
		return
	}
	if err != nil {
		h.log.Error("commit failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "commit failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"commitment": hexutil.Encode(commitment)})
}

type releaseRequest struct {
	Commitment string `json:"commitment" binding:"required"`
	Outcome    string `json:"outcome" binding:"required"`
}

func parseOutcome(s string) (pool.Outcome, bool) {
	switch s {
	case "success":
		return pool.OutcomeSuccess, true
	case "failure":
		return pool.OutcomeFailure, true
	case "unknown":
		return pool.OutcomeUnknown, true
	}
	return 0, false
}

func (h *Handler) handleRelease(c *gin.Context) {
	var req releaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	outcome, ok := parseOutcome(req.Outcome)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid outcome"})
		return
	}
	commitment, err := hexutil.Decode(req.Commitment)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid commitment encoding"})
		return
	}

	h.mu.Lock()
	err = h.pool.Release(commitment, outcome)
	h.mu.Unlock()

	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid commitment"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
