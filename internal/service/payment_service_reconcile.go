package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/malaika-next/internal/constants"
	"github.com/malaika-next/internal/models"
	"github.com/malaika-next/internal/payment/pesapal"
	"github.com/malaika-next/internal/queue"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// HandleCallbackInput 网关回跳输入
type HandleCallbackInput struct {
	MerchantRef string
	TrackingID  string
	Context     context.Context
}

// HandleCallbackResult 回跳处理结果
type HandleCallbackResult struct {
	Payment     *models.Payment
	RedirectURL string
}

// HandleIPNInput IPN 通知输入
type HandleIPNInput struct {
	TrackingID       string
	NotificationType string
	Context          context.Context
}

// HandleCallback 处理网关回跳：查询真实状态后对账，返回前端跳转地址
func (s *PaymentService) HandleCallback(input HandleCallbackInput) (*HandleCallbackResult, error) {
	merchantRef := strings.TrimSpace(input.MerchantRef)
	trackingID := strings.TrimSpace(input.TrackingID)
	if merchantRef == "" && trackingID == "" {
		return nil, ErrPaymentInvalid
	}

	log := paymentLogger(
		"merchant_ref", merchantRef,
		"tracking_id", trackingID,
	)
	log.Infow("payment_callback_received")

	payment, err := s.lookupCallbackPayment(merchantRef, trackingID)
	if err != nil {
		log.Errorw("payment_callback_fetch_failed", "error", err)
		return nil, ErrPaymentUpdateFailed
	}
	if payment == nil {
		log.Warnw("payment_callback_payment_not_found")
		return nil, ErrPaymentNotFound
	}

	if trackingID == "" {
		trackingID = strings.TrimSpace(payment.GatewayTrackingID)
	}
	if trackingID == "" {
		log.Warnw("payment_callback_tracking_id_missing", "payment_id", payment.ID)
		return nil, ErrPaymentInvalid
	}

	ctx := input.Context
	if ctx == nil {
		ctx = context.Background()
	}
	status, err := s.gateway.GetTransactionStatus(ctx, trackingID)
	if err != nil {
		log.Warnw("payment_callback_status_query_failed", "payment_id", payment.ID, "error", err)
		return nil, mapGatewayError(err)
	}

	updated, err := s.reconcile(payment.ID, status, trackingID, constants.ReconcileSourceCallback, log)
	if err != nil {
		return nil, err
	}
	return &HandleCallbackResult{
		Payment:     updated,
		RedirectURL: s.callbackRedirectURL(updated),
	}, nil
}

// HandleIPN 处理异步 IPN 通知；未知 tracking_id 仅记录日志
func (s *PaymentService) HandleIPN(input HandleIPNInput) error {
	trackingID := strings.TrimSpace(input.TrackingID)
	if trackingID == "" {
		return ErrPaymentInvalid
	}

	log := paymentLogger(
		"tracking_id", trackingID,
		"notification_type", strings.TrimSpace(input.NotificationType),
	)
	log.Infow("payment_ipn_received")

	payment, err := s.paymentRepo.GetByTrackingID(trackingID)
	if err != nil {
		log.Errorw("payment_ipn_fetch_failed", "error", err)
		return ErrPaymentUpdateFailed
	}
	if payment == nil {
		// 网关可能推送非本系统订单，确认收到即可
		log.Warnw("payment_ipn_unknown_tracking_id")
		return nil
	}

	ctx := input.Context
	if ctx == nil {
		ctx = context.Background()
	}
	status, err := s.gateway.GetTransactionStatus(ctx, trackingID)
	if err != nil {
		log.Warnw("payment_ipn_status_query_failed", "payment_id", payment.ID, "error", err)
		return mapGatewayError(err)
	}

	_, err = s.reconcile(payment.ID, status, trackingID, constants.ReconcileSourceIPN, log)
	return err
}

// RefreshStatus 主动向网关查询并对账一次
func (s *PaymentService) RefreshStatus(ctx context.Context, paymentID uint) (*models.Payment, error) {
	return s.refreshStatus(ctx, paymentID, constants.ReconcileSourceQuery)
}

// ProcessStatusRefresh 队列任务入口：刷新支付状态
func (s *PaymentService) ProcessStatusRefresh(ctx context.Context, paymentID uint) error {
	_, err := s.refreshStatus(ctx, paymentID, constants.ReconcileSourceRefresh)
	if errors.Is(err, ErrPaymentNotFound) {
		// 记录已删除或从未落库，任务不再重试
		paymentLogger("payment_id", paymentID).Warnw("payment_refresh_payment_missing")
		return nil
	}
	return err
}

// SweepStalePending 将长时间停留在 pending 的支付单投递刷新任务
func (s *PaymentService) SweepStalePending(maxAge time.Duration, limit int) (int, error) {
	if maxAge <= 0 {
		maxAge = 15 * time.Minute
	}
	cutoff := time.Now().Add(-maxAge)
	payments, err := s.paymentRepo.ListStalePending(cutoff, limit)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, payment := range payments {
		if err := s.queueClient.EnqueuePaymentStatusRefresh(queue.PaymentStatusRefreshPayload{
			PaymentID: payment.ID,
		}, 0); err != nil {
			paymentLogger("payment_id", payment.ID).Warnw("payment_enqueue_status_refresh_failed", "error", err)
			continue
		}
		count++
	}
	if count > 0 {
		paymentLogger().Infow("payment_stale_sweep_enqueued", "count", count)
	}
	return count, nil
}

func (s *PaymentService) refreshStatus(ctx context.Context, paymentID uint, source string) (*models.Payment, error) {
	if paymentID == 0 {
		return nil, ErrPaymentInvalid
	}
	payment, err := s.paymentRepo.GetByID(paymentID)
	if err != nil {
		return nil, ErrPaymentUpdateFailed
	}
	if payment == nil {
		return nil, ErrPaymentNotFound
	}
	if payment.IsFinal() {
		return payment, nil
	}
	trackingID := strings.TrimSpace(payment.GatewayTrackingID)
	if trackingID == "" {
		return nil, ErrPaymentInvalid
	}

	if ctx == nil {
		ctx = context.Background()
	}
	log := paymentLogger("payment_id", payment.ID, "tracking_id", trackingID)
	status, err := s.gateway.GetTransactionStatus(ctx, trackingID)
	if err != nil {
		log.Warnw("payment_refresh_status_query_failed", "error", err)
		return nil, mapGatewayError(err)
	}
	return s.reconcile(payment.ID, status, trackingID, source, log)
}

// reconcile 以网关返回的交易状态核对支付单。
// 每次调用仅追加一条网关日志，状态只允许从 pending 迁出，终态不回退。
func (s *PaymentService) reconcile(paymentID uint, status *pesapal.TransactionStatus, trackingID, source string, log *zap.SugaredLogger) (*models.Payment, error) {
	if status == nil {
		return nil, ErrPaymentGatewayResponseInvalid
	}

	mapped, mappable := pesapal.ToPaymentStatus(status.StatusCode)
	entry := gatewayLogEntry(source, status.StatusDescription, status.Raw)

	var updated models.Payment
	firstCompleted := false
	previousStatus := ""

	err := models.DB.Transaction(func(tx *gorm.DB) error {
		var locked models.Payment
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&locked, paymentID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrPaymentNotFound
			}
			return ErrPaymentUpdateFailed
		}
		previousStatus = locked.Status
		now := time.Now()

		if strings.TrimSpace(locked.GatewayTrackingID) == "" && trackingID != "" {
			locked.GatewayTrackingID = trackingID
		}
		if locked.ConfirmationCode == "" && strings.TrimSpace(status.ConfirmationCode) != "" {
			locked.ConfirmationCode = strings.TrimSpace(status.ConfirmationCode)
		}
		if strings.TrimSpace(status.PaymentMethod) != "" {
			locked.PaymentMethod = strings.TrimSpace(status.PaymentMethod)
		}

		if mappable && locked.Status == constants.PaymentStatusPending && mapped != locked.Status {
			locked.Status = mapped
			if mapped == constants.PaymentStatusCompleted {
				if locked.ProcessedAt == nil {
					locked.ProcessedAt = &now
				}
				firstCompleted = true
			}
		}

		locked.GatewayLog = locked.GatewayLog.Append(entry)
		locked.UpdatedAt = now

		if err := s.paymentRepo.WithTx(tx).Update(&locked); err != nil {
			return ErrPaymentUpdateFailed
		}
		updated = locked
		return nil
	})
	if err != nil {
		log.Errorw("payment_reconcile_failed", "source", source, "error", err)
		return nil, err
	}

	log.Infow("payment_reconciled",
		"payment_id", updated.ID,
		"source", source,
		"gateway_status_code", status.StatusCode,
		"previous_status", previousStatus,
		"new_status", updated.Status,
	)

	if firstCompleted {
		s.enqueueReceiptEmailAsync(&updated, log)
	}
	return &updated, nil
}

func (s *PaymentService) lookupCallbackPayment(merchantRef, trackingID string) (*models.Payment, error) {
	if merchantRef != "" {
		payment, err := s.paymentRepo.GetByMerchantRef(merchantRef)
		if err != nil || payment != nil {
			return payment, err
		}
	}
	if trackingID != "" {
		return s.paymentRepo.GetByTrackingID(trackingID)
	}
	return nil, nil
}

func (s *PaymentService) callbackRedirectURL(payment *models.Payment) string {
	target := s.paymentCfg.FailureURL
	if payment.Status == constants.PaymentStatusCompleted {
		target = s.paymentCfg.SuccessURL
	}
	return appendURLQuery(target, map[string]string{
		"merchant_ref": payment.MerchantRef,
		"status":       payment.Status,
	})
}

// FailureRedirectURL 回跳处理失败时的兜底跳转地址
func (s *PaymentService) FailureRedirectURL(merchantRef string) string {
	return appendURLQuery(s.paymentCfg.FailureURL, map[string]string{
		"merchant_ref": merchantRef,
	})
}

func (s *PaymentService) enqueueReceiptEmailAsync(payment *models.Payment, log *zap.SugaredLogger) {
	if s.queueClient == nil {
		return
	}
	if err := s.queueClient.EnqueuePaymentReceiptEmail(queue.PaymentReceiptEmailPayload{
		PaymentID: payment.ID,
		Status:    payment.Status,
	}, asynq.MaxRetry(3)); err != nil {
		log.Warnw("payment_enqueue_receipt_email_failed",
			"payment_id", payment.ID,
			"error", err,
		)
	}
}
