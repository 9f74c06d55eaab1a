package gifts

import (
	"errors"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/mbd888/giftlink/internal/usdc"
	"github.com/mbd888/giftlink/internal/validation"
)

// Handler provides HTTP endpoints for gift links.
type Handler struct {
	service *Service
}

// NewHandler creates a new gifts handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the routes claim links talk to.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/gifts/claim", h.Claim)

	ids := r.Group("/gifts/:claimId", validation.ClaimIDParamMiddleware())
	ids.GET("", h.GetGift)
	ids.POST("/retry", h.Retry)
}

// RegisterProtectedRoutes sets up routes used by the funding watcher.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/gifts", h.Register)
}

// Register handles POST /v1/gifts
func (h *Handler) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	rec, err := h.service.Register(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"gift":        recordView(rec),
		"claimSecret": SecretHex(rec.ClaimSecret),
	})
}

// GetGift handles GET /v1/gifts/:claimId
func (h *Handler) GetGift(c *gin.Context) {
	rec, err := h.service.GetRecord(c.Request.Context(), common.HexToHash(c.Param("claimId")))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"gift": recordView(rec)})
}

// Claim handles POST /v1/gifts/claim
func (h *Handler) Claim(c *gin.Context) {
	var req ClaimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "claimSecret and recipientAddress are required",
		})
		return
	}

	rec, err := h.service.SubmitClaim(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"claimTxHash": rec.ClaimTxHash.Hex(),
		"gift":        recordView(rec),
	})
}

// Retry handles POST /v1/gifts/:claimId/retry
func (h *Handler) Retry(c *gin.Context) {
	rec, err := h.service.ResumeClaim(c.Request.Context(), common.HexToHash(c.Param("claimId")))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"claimTxHash": rec.ClaimTxHash.Hex(),
		"gift":        recordView(rec),
	})
}

func (h *Handler) fail(c *gin.Context, err error) {
	status, code := errorStatus(err)
	body := gin.H{"error": code, "message": err.Error()}

	var se *SettlementError
	if errors.As(err, &se) {
		body["lastCompletedStep"] = se.Step
	}
	if status == http.StatusInternalServerError {
		body["message"] = "Internal server error"
	}
	c.JSON(status, body)
}

func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ErrValidationFailed):
		return http.StatusBadRequest, "validation_error"
	case errors.Is(err, ErrGiftNotFound):
		return http.StatusNotFound, "gift_not_found"
	case errors.Is(err, ErrAlreadyExists):
		return http.StatusConflict, "already_registered"
	case errors.Is(err, ErrAlreadyClaimed):
		return http.StatusConflict, "already_claimed"
	case errors.Is(err, ErrClaimInProgress):
		return http.StatusConflict, "claim_in_progress"
	case errors.Is(err, ErrNothingToResume):
		return http.StatusConflict, "nothing_to_resume"
	case errors.Is(err, ErrGiftNotReady):
		return http.StatusConflict, "gift_not_ready"
	case errors.Is(err, ErrExpired):
		return http.StatusGone, "expired"
	case errors.Is(err, ErrRelayerUnderfunded):
		return http.StatusServiceUnavailable, "relayer_underfunded"
	case errors.Is(err, ErrRelayerMisconfigured):
		return http.StatusServiceUnavailable, "relayer_misconfigured"
	case errors.Is(err, ErrSettlementFailed):
		return http.StatusAccepted, "settlement_pending"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func recordView(r *Record) gin.H {
	v := gin.H{
		"claimId":       r.ClaimID.Hex(),
		"sourceTxHash":  r.SourceTxHash.Hex(),
		"sourceChainId": r.SourceChainID,
		"amount":        usdc.Format(r.Amount),
		"senderAddress": r.SenderAddress.Hex(),
		"expiry":        r.Expiry,
		"fundingMode":   r.FundingMode,
		"status":        r.Status,
		"createdAt":     r.CreatedAt,
		"updatedAt":     r.UpdatedAt,
	}
	if r.FailureReason != "" {
		v["failureReason"] = r.FailureReason
	}
	if r.OnChainTxHash != (common.Hash{}) {
		v["onChainTxHash"] = r.OnChainTxHash.Hex()
	}
	if r.ClaimStarted() {
		v["recipientAddress"] = r.RecipientAddress.Hex()
		v["claimStep"] = r.ClaimStep
		v["claimAttempts"] = r.ClaimAttempts
	}
	if r.ClaimTxHash != (common.Hash{}) {
		v["claimTxHash"] = r.ClaimTxHash.Hex()
	}
	if r.ForwardTxHash != (common.Hash{}) {
		v["forwardTxHash"] = r.ForwardTxHash.Hex()
	}
	if r.SettlementRef != "" {
		v["settlementRef"] = r.SettlementRef
	}
	if r.NextRetryAt != nil {
		v["nextRetryAt"] = r.NextRetryAt
	}
	if r.LastError != "" {
		v["lastError"] = r.LastError
	}
	if r.ClaimedAt != nil {
		v["claimedAt"] = r.ClaimedAt
	}
	return v
}
