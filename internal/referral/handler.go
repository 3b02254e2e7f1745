package referral

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/richxcame/referral-integrity/pkg/common"
	"github.com/richxcame/referral-integrity/pkg/logger"
	"go.uber.org/zap"
)

// Handler handles internal HTTP requests for the referral service
type Handler struct {
	service ServiceInterface
}

// NewHandler creates a new referral handler
func NewHandler(service ServiceInterface) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes mounts the internal referral endpoints
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	referrals := rg.Group("/internal/referrals")
	{
		referrals.POST("/accounts", h.ProvisionAccount)
		referrals.GET("/accounts/:id/stats", h.GetStats)
		referrals.POST("/pattern-check", h.CheckPattern)
		referrals.GET("/codes/preview", h.PreviewCode)
		referrals.POST("/codes/:code/retire", h.RetireCode)
	}
}

// ProvisionAccount mints the referral code for a newly created account
// POST /api/v1/internal/referrals/accounts
func (h *Handler) ProvisionAccount(c *gin.Context) {
	var req ProvisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.ErrorResponse(c, http.StatusBadRequest, "invalid request body")
		return
	}

	code, err := h.service.ProvisionAccount(c.Request.Context(), req)
	if err != nil {
		respondError(c, err, "failed to provision referral code")
		return
	}

	common.CreatedResponse(c, code)
}

// GetStats returns a referrer's aggregate counters
// GET /api/v1/internal/referrals/accounts/:id/stats
func (h *Handler) GetStats(c *gin.Context) {
	referrerID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		common.ErrorResponse(c, http.StatusBadRequest, "invalid account id")
		return
	}

	stats, err := h.service.GetStats(c.Request.Context(), referrerID)
	if err != nil {
		respondError(c, err, "failed to get referral stats")
		return
	}

	common.SuccessResponse(c, stats)
}

// CheckPattern runs fraud pattern detection for an invitee
// POST /api/v1/internal/referrals/pattern-check
func (h *Handler) CheckPattern(c *gin.Context) {
	var req PatternCheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.ErrorResponse(c, http.StatusBadRequest, "invalid request body")
		return
	}

	result := h.service.CheckInvitee(c.Request.Context(), req.InviteeID, req.ReferrerID)

	common.SuccessResponse(c, PatternCheckResponse{
		PatternResult:  result,
		RequiresReview: result.RequiresReview(),
	})
}

// PreviewCode returns a candidate code for a name and email
// GET /api/v1/internal/referrals/codes/preview?name=&email=
func (h *Handler) PreviewCode(c *gin.Context) {
	code := h.service.PreviewCode(c.Query("name"), c.Query("email"))
	common.SuccessResponse(c, CodePreviewResponse{Code: code})
}

// RetireCode deactivates a referral code
// POST /api/v1/internal/referrals/codes/:code/retire
func (h *Handler) RetireCode(c *gin.Context) {
	code := c.Param("code")

	if err := h.service.RetireCode(c.Request.Context(), code); err != nil {
		respondError(c, err, "failed to retire referral code")
		return
	}

	common.SuccessResponse(c, gin.H{"code": code, "is_active": false})
}

func respondError(c *gin.Context, err error, fallback string) {
	var appErr *common.AppError
	if errors.As(err, &appErr) {
		common.AppErrorResponse(c, appErr)
		return
	}
	logger.WithContext(c.Request.Context()).Error(fallback, zap.Error(err))
	common.AppErrorResponse(c, common.NewInternalServerError(fallback))
}
