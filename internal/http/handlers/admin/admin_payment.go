package admin

import (
	"encoding/csv"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/malaika-next/internal/http/response"
	"github.com/malaika-next/internal/models"
	"github.com/malaika-next/internal/repository"
	"github.com/malaika-next/internal/service"

	"github.com/gin-gonic/gin"
)

const adminPaymentExportBatchSize = 500

// GetAdminPayments 获取支付记录列表
func (h *Handler) GetAdminPayments(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	page, pageSize = normalizePagination(page, pageSize)

	filter, err := buildAdminPaymentFilter(c, page, pageSize)
	if err != nil {
		respondError(c, response.CodeBadRequest, "bad request", err)
		return
	}

	payments, total, err := h.PaymentService.ListPayments(filter)
	if err != nil {
		respondError(c, response.CodeInternal, "payment fetch failed", err)
		return
	}

	response.SuccessWithPage(c, payments, response.BuildPagination(page, pageSize, total))
}

// ExportAdminPayments 导出支付记录 CSV
func (h *Handler) ExportAdminPayments(c *gin.Context) {
	filter, err := buildAdminPaymentFilter(c, 1, adminPaymentExportBatchSize)
	if err != nil {
		respondError(c, response.CodeBadRequest, "bad request", err)
		return
	}

	payments, _, err := h.PaymentService.ListPayments(filter)
	if err != nil {
		respondError(c, response.CodeInternal, "payment fetch failed", err)
		return
	}

	filename := fmt.Sprintf("payments_%s.csv", time.Now().Format("20060102_150405"))
	c.Header("Content-Type", "text/csv; charset=utf-8")
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"", filename))

	writer := csv.NewWriter(c.Writer)
	if err := writer.Write([]string{
		"id",
		"user_id",
		"payable_kind",
		"payable_id",
		"merchant_ref",
		"tracking_id",
		"status",
		"amount",
		"refunded_amount",
		"currency",
		"payment_method",
		"confirmation_code",
		"created_at",
		"processed_at",
		"refunded_at",
	}); err != nil {
		requestLog(c).Errorw("admin_payment_export_header_write_failed", "error", err)
		return
	}

	page := 1
	for {
		if len(payments) > 0 {
			if err := writeAdminPaymentCSVRows(writer, payments); err != nil {
				requestLog(c).Errorw("admin_payment_export_rows_write_failed", "page", page, "error", err)
				return
			}
			writer.Flush()
			if err := writer.Error(); err != nil {
				requestLog(c).Errorw("admin_payment_export_flush_failed", "page", page, "error", err)
				return
			}
		}
		if len(payments) < adminPaymentExportBatchSize {
			break
		}
		page++
		filter.Page = page
		payments, _, err = h.PaymentService.ListPayments(filter)
		if err != nil {
			requestLog(c).Errorw("admin_payment_export_batch_fetch_failed", "page", page, "error", err)
			return
		}
	}
}

// GetAdminPayment 获取支付记录详情
func (h *Handler) GetAdminPayment(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		respondError(c, response.CodeBadRequest, "payment id invalid", nil)
		return
	}

	payment, err := h.PaymentService.GetPayment(service.GetPaymentInput{
		PaymentID: uint(id),
		IsAdmin:   true,
		Context:   c.Request.Context(),
	})
	if err != nil {
		switch {
		case errors.Is(err, service.ErrPaymentNotFound):
			respondError(c, response.CodeNotFound, "payment not found", nil)
		default:
			respondError(c, response.CodeInternal, "payment fetch failed", err)
		}
		return
	}

	response.Success(c, payment)
}

// RefreshAdminPayment 主动回查网关刷新支付状态
func (h *Handler) RefreshAdminPayment(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		respondError(c, response.CodeBadRequest, "payment id invalid", nil)
		return
	}

	payment, err := h.PaymentService.RefreshStatus(c.Request.Context(), uint(id))
	if err != nil {
		switch {
		case errors.Is(err, service.ErrPaymentNotFound):
			respondError(c, response.CodeNotFound, "payment not found", nil)
		case errors.Is(err, service.ErrPaymentGatewayRequestFailed):
			respondError(c, response.CodeBadRequest, "payment gateway request failed", err)
		case errors.Is(err, service.ErrPaymentGatewayResponseInvalid):
			respondError(c, response.CodeBadRequest, "payment gateway response invalid", err)
		case errors.Is(err, service.ErrPaymentGatewayConfigInvalid):
			respondError(c, response.CodeInternal, "payment gateway not configured", err)
		default:
			respondError(c, response.CodeInternal, "payment refresh failed", err)
		}
		return
	}

	response.Success(c, payment)
}

// RefundAdminPaymentRequest 退款请求
type RefundAdminPaymentRequest struct {
	Amount  models.Money `json:"amount" binding:"required"`
	Remarks string       `json:"remarks"`
}

// RefundAdminPayment 对已完成支付发起退款
func (h *Handler) RefundAdminPayment(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		respondError(c, response.CodeBadRequest, "payment id invalid", nil)
		return
	}

	var req RefundAdminPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, response.CodeBadRequest, "bad request", err)
		return
	}

	payment, err := h.PaymentService.RefundPayment(service.RefundPaymentInput{
		PaymentID: uint(id),
		Amount:    req.Amount,
		Remarks:   req.Remarks,
		Context:   c.Request.Context(),
	})
	if err != nil {
		switch {
		case errors.Is(err, service.ErrPaymentNotFound):
			respondError(c, response.CodeNotFound, "payment not found", nil)
		case errors.Is(err, service.ErrPaymentNotRefundable):
			respondError(c, response.CodeBadRequest, "payment not refundable", nil)
		case errors.Is(err, service.ErrPaymentRefundWindowExpired):
			respondError(c, response.CodeBadRequest, "refund window expired", nil)
		case errors.Is(err, service.ErrPaymentRefundAmountInvalid):
			respondError(c, response.CodeBadRequest, "refund amount invalid", nil)
		case errors.Is(err, service.ErrPaymentGatewayRequestFailed):
			respondError(c, response.CodeBadRequest, "payment gateway request failed", err)
		case errors.Is(err, service.ErrPaymentGatewayResponseInvalid):
			respondError(c, response.CodeBadRequest, "payment gateway response invalid", err)
		default:
			respondError(c, response.CodeInternal, "payment refund failed", err)
		}
		return
	}

	requestLog(c).Infow("admin_payment_refunded",
		"payment_id", payment.ID,
		"refunded_amount", payment.RefundedAmount.String(),
		"status", payment.Status,
	)
	response.Success(c, payment)
}

// RegisterIPNRequest IPN 注册请求
type RegisterIPNRequest struct {
	URL              string `json:"url" binding:"required"`
	NotificationType string `json:"notification_type"`
}

// RegisterAdminIPN 向网关注册 IPN 回执地址
func (h *Handler) RegisterAdminIPN(c *gin.Context) {
	var req RegisterIPNRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, response.CodeBadRequest, "bad request", err)
		return
	}

	registration, err := h.PaymentService.RegisterIPN(c.Request.Context(), req.URL, req.NotificationType)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrPaymentGatewayConfigInvalid):
			respondError(c, response.CodeInternal, "payment gateway not configured", err)
		case errors.Is(err, service.ErrPaymentGatewayRequestFailed):
			respondError(c, response.CodeBadRequest, "payment gateway request failed", err)
		default:
			respondError(c, response.CodeInternal, "ipn register failed", err)
		}
		return
	}

	requestLog(c).Infow("admin_ipn_registered", "ipn_id", registration.IPNID, "url", req.URL)
	response.Success(c, registration)
}

func formatTimeNullable(raw *time.Time) string {
	if raw == nil {
		return ""
	}
	return raw.Format(time.RFC3339)
}

func parseAdminPaymentQueryUint(c *gin.Context, key string) (uint, error) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return 0, nil
	}
	parsed, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, err
	}
	if parsed == 0 {
		return 0, errors.New("invalid query value")
	}
	return uint(parsed), nil
}

func buildAdminPaymentFilter(c *gin.Context, page, pageSize int) (repository.PaymentListFilter, error) {
	userID, err := parseAdminPaymentQueryUint(c, "user_id")
	if err != nil {
		return repository.PaymentListFilter{}, err
	}
	payableID, err := parseAdminPaymentQueryUint(c, "payable_id")
	if err != nil {
		return repository.PaymentListFilter{}, err
	}

	createdFrom, err := parseTimeNullable(strings.TrimSpace(c.Query("created_from")))
	if err != nil {
		return repository.PaymentListFilter{}, err
	}
	createdTo, err := parseTimeNullable(strings.TrimSpace(c.Query("created_to")))
	if err != nil {
		return repository.PaymentListFilter{}, err
	}

	return repository.PaymentListFilter{
		Page:        page,
		PageSize:    pageSize,
		UserID:      userID,
		PayableKind: strings.TrimSpace(c.Query("payable_kind")),
		PayableID:   payableID,
		Status:      strings.TrimSpace(c.Query("status")),
		MerchantRef: strings.TrimSpace(c.Query("merchant_ref")),
		TrackingID:  strings.TrimSpace(c.Query("tracking_id")),
		CreatedFrom: createdFrom,
		CreatedTo:   createdTo,
	}, nil
}

func writeAdminPaymentCSVRows(writer *csv.Writer, payments []models.Payment) error {
	for _, payment := range payments {
		if err := writer.Write([]string{
			strconv.FormatUint(uint64(payment.ID), 10),
			strconv.FormatUint(uint64(payment.UserID), 10),
			payment.PayableKind,
			strconv.FormatUint(uint64(payment.PayableID), 10),
			payment.MerchantRef,
			payment.GatewayTrackingID,
			payment.Status,
			payment.Amount.String(),
			payment.RefundedAmount.String(),
			payment.Currency,
			payment.PaymentMethod,
			payment.ConfirmationCode,
			payment.CreatedAt.Format(time.RFC3339),
			formatTimeNullable(payment.ProcessedAt),
			formatTimeNullable(payment.RefundedAt),
		}); err != nil {
			return err
		}
	}
	return nil
}
