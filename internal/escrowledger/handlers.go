package escrowledger

import (
	"errors"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/mbd888/giftlink/internal/usdc"
	"github.com/mbd888/giftlink/internal/validation"
)

// Handler exposes the ledger over HTTP.
type Handler struct {
	ledger *Ledger
	events *MemoryEvents
}

// NewHandler creates a ledger handler. events may be nil.
func NewHandler(ledger *Ledger, events *MemoryEvents) *Handler {
	return &Handler{ledger: ledger, events: events}
}

// RegisterRoutes sets up public (read-only) ledger routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/escrow/held", h.GetHeld)
	r.GET("/escrow/audit", h.GetAudit)

	ids := r.Group("/escrow/:claimId", validation.ClaimIDParamMiddleware())
	ids.GET("", h.GetStatus)
	ids.GET("/events", h.GetEvents)
}

// RegisterProtectedRoutes sets up routes that act on behalf of a sender.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/escrow/:claimId/refund", validation.ClaimIDParamMiddleware(), h.Refund)
}

// RegisterDevRoutes mounts the faucet used to fund accounts in local mode.
func (h *Handler) RegisterDevRoutes(r *gin.RouterGroup) {
	r.POST("/escrow/deposits", h.Deposit)
}

// DepositRequest credits an account, or the unallocated custody balance
// when Address is empty.
type DepositRequest struct {
	Address string `json:"address"`
	Amount  string `json:"amount" binding:"required"`
	Ref     string `json:"ref" binding:"required"`
}

// Deposit handles POST /v1/escrow/deposits
func (h *Handler) Deposit(c *gin.Context) {
	var req DepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "amount and ref are required",
		})
		return
	}
	if errs := validation.Validate(
		validation.ValidAddress("address", req.Address),
		validation.NonZeroAddress("address", req.Address),
		validation.ValidAmount("amount", req.Amount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}
	amount, _ := usdc.ParsePositive(req.Amount)

	var (
		tx  common.Hash
		err error
	)
	if req.Address == "" {
		tx, err = h.ledger.DepositUnallocated(c.Request.Context(), amount, req.Ref)
	} else {
		tx, err = h.ledger.Deposit(c.Request.Context(), common.HexToAddress(req.Address), amount, req.Ref)
	}
	if err != nil {
		status, code := errorStatus(err)
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"txHash": tx.Hex(), "amount": usdc.Format(amount)})
}

// GetStatus handles GET /v1/escrow/:claimId
func (h *Handler) GetStatus(c *gin.Context) {
	id := common.HexToHash(c.Param("claimId"))

	view, err := h.ledger.QueryStatus(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"claimId":   id.Hex(),
		"exists":    view.Exists,
		"claimable": view.Claimable,
		"amount":    usdc.Format(view.Amount),
		"status":    view.Status,
		"expiry":    view.Expiry,
	})
}

// GetEvents handles GET /v1/escrow/:claimId/events
func (h *Handler) GetEvents(c *gin.Context) {
	if h.events == nil {
		c.JSON(http.StatusOK, gin.H{"events": []*Event{}, "count": 0})
		return
	}
	events := h.events.ForClaim(common.HexToHash(c.Param("claimId")))
	c.JSON(http.StatusOK, gin.H{
		"events": events,
		"count":  len(events),
	})
}

// GetHeld handles GET /v1/escrow/held
func (h *Handler) GetHeld(c *gin.Context) {
	held, err := h.ledger.HeldBalance(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"held": usdc.Format(held)})
}

// GetAudit handles GET /v1/escrow/audit
func (h *Handler) GetAudit(c *gin.Context) {
	report, err := h.ledger.Audit(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"held":         usdc.Format(report.Held),
		"pendingSum":   usdc.Format(report.PendingSum),
		"pendingCount": report.PendingCount,
		"unallocated":  usdc.Format(report.Unallocated),
		"consistent":   report.Consistent,
	})
}

// Refund handles POST /v1/escrow/:claimId/refund
func (h *Handler) Refund(c *gin.Context) {
	caller := strings.TrimSpace(c.GetHeader("X-Sender-Address"))
	if !validation.IsValidEthAddress(caller) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "X-Sender-Address must be a valid Ethereum address",
		})
		return
	}

	entry, err := h.ledger.Refund(c.Request.Context(), common.HexToHash(c.Param("claimId")), common.HexToAddress(caller))
	if err != nil {
		status, code := errorStatus(err)
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"claimId":    entry.ClaimID.Hex(),
		"status":     entry.Status,
		"amount":     usdc.Format(entry.Amount),
		"refundTx":   entry.ResolveTx.Hex(),
		"refundedTo": entry.Sender.Hex(),
	})
}

func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ErrNotSender):
		return http.StatusForbidden, "not_sender"
	case errors.Is(err, ErrAlreadyResolved):
		return http.StatusConflict, "already_resolved"
	case errors.Is(err, ErrNoExpirySet), errors.Is(err, ErrNotYetExpired):
		return http.StatusConflict, "not_refundable"
	case errors.Is(err, ErrInvalidAmount):
		return http.StatusBadRequest, "validation_error"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
