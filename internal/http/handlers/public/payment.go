package public

import (
	"strconv"

	"github.com/malaika-next/internal/http/response"
	"github.com/malaika-next/internal/models"
	"github.com/malaika-next/internal/service"

	"github.com/gin-gonic/gin"
)

// InitiatePaymentRequest 发起支付请求
type InitiatePaymentRequest struct {
	PayableKind string       `json:"payable_kind" binding:"required"`
	PayableID   uint         `json:"payable_id" binding:"required"`
	RecipientID *uint        `json:"recipient_id"`
	Amount      models.Money `json:"amount" binding:"required"`
	Description string       `json:"description"`
	Email       string       `json:"email"`
	Phone       string       `json:"phone"`
	FirstName   string       `json:"first_name"`
	LastName    string       `json:"last_name"`
	CountryCode string       `json:"country_code"`
}

// InitiatePayment 发起支付
func (h *Handler) InitiatePayment(c *gin.Context) {
	uid, ok := getUserID(c)
	if !ok {
		return
	}

	var req InitiatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, response.CodeBadRequest, "bad request", err)
		return
	}

	result, err := h.PaymentService.InitiatePayment(service.InitiatePaymentInput{
		UserID:      uid,
		RecipientID: req.RecipientID,
		PayableKind: req.PayableKind,
		PayableID:   req.PayableID,
		Amount:      req.Amount,
		Description: req.Description,
		Email:       req.Email,
		Phone:       req.Phone,
		FirstName:   req.FirstName,
		LastName:    req.LastName,
		CountryCode: req.CountryCode,
		Context:     c.Request.Context(),
	})
	if err != nil {
		respondPaymentInitiateError(c, err)
		return
	}

	response.Success(c, gin.H{
		"payment_id":   result.Payment.ID,
		"merchant_ref": result.Payment.MerchantRef,
		"tracking_id":  result.Payment.GatewayTrackingID,
		"status":       result.Payment.Status,
		"amount":       result.Payment.Amount,
		"currency":     result.Payment.Currency,
		"redirect_url": result.RedirectURL,
	})
}

// GetPayment 获取支付单详情，refresh=1 时对待支付单拉取一次网关状态
func (h *Handler) GetPayment(c *gin.Context) {
	uid, ok := getUserID(c)
	if !ok {
		return
	}

	paymentID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || paymentID == 0 {
		respondError(c, response.CodeBadRequest, "payment id invalid", nil)
		return
	}

	refresh := c.Query("refresh") == "1" || c.Query("refresh") == "true"
	payment, err := h.PaymentService.GetPayment(service.GetPaymentInput{
		PaymentID: uint(paymentID),
		UserID:    uid,
		Refresh:   refresh,
		Context:   c.Request.Context(),
	})
	if err != nil {
		respondPaymentFetchError(c, err)
		return
	}

	response.Success(c, payment)
}

// ListMyPayments 获取当前用户支付记录
func (h *Handler) ListMyPayments(c *gin.Context) {
	uid, ok := getUserID(c)
	if !ok {
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	page, pageSize = normalizePagination(page, pageSize)

	payments, total, err := h.PaymentService.ListUserPayments(uid, page, pageSize)
	if err != nil {
		respondError(c, response.CodeInternal, "payment fetch failed", err)
		return
	}

	pagination := response.Pagination{
		Page:      page,
		PageSize:  pageSize,
		Total:     total,
		TotalPage: (total + int64(pageSize) - 1) / int64(pageSize),
	}
	response.SuccessWithPage(c, payments, pagination)
}
