package worker

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/malaika-next/internal/logger"
	"github.com/malaika-next/internal/provider"
	"github.com/malaika-next/internal/queue"
	"github.com/malaika-next/internal/service"

	"github.com/hibiken/asynq"
)

// Consumer 异步任务消费者
type Consumer struct {
	*provider.Container
}

// NewConsumer 创建消费者
func NewConsumer(c *provider.Container) *Consumer {
	return &Consumer{
		Container: c,
	}
}

// Register 注册消费者
func (c *Consumer) Register(mux *asynq.ServeMux) {
	if c == nil || mux == nil {
		logger.Debugw("worker_register_skip_nil", "consumer_nil", c == nil, "mux_nil", mux == nil)
		return
	}
	mux.HandleFunc(queue.TaskPaymentReceiptEmail, c.handlePaymentReceiptEmail)
	mux.HandleFunc(queue.TaskPaymentStatusRefresh, c.handlePaymentStatusRefresh)
}

func (c *Consumer) handlePaymentReceiptEmail(_ context.Context, task *asynq.Task) error {
	if c == nil || task == nil {
		logger.Debugw("worker_payment_receipt_email_skip_nil", "consumer_nil", c == nil, "task_nil", task == nil)
		return nil
	}
	var payload queue.PaymentReceiptEmailPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		logger.Warnw("worker_payment_receipt_email_unmarshal_failed", "error", err)
		return err
	}
	if payload.PaymentID == 0 {
		logger.Debugw("worker_payment_receipt_email_skip_invalid_payload", "payment_id", payload.PaymentID)
		return nil
	}
	payment, err := c.PaymentRepo.GetByID(payload.PaymentID)
	if err != nil {
		logger.Warnw("worker_payment_receipt_email_fetch_payment_failed", "payment_id", payload.PaymentID, "error", err)
		return err
	}
	if payment == nil {
		logger.Debugw("worker_payment_receipt_email_skip_payment_not_found", "payment_id", payload.PaymentID)
		return nil
	}
	if payment.NotifiedAt != nil {
		// 任务重试时不重复发送回执
		logger.Debugw("worker_payment_receipt_email_skip_already_notified", "payment_id", payment.ID)
		return nil
	}
	user, err := c.UserRepo.GetByID(payment.UserID)
	if err != nil {
		logger.Warnw("worker_payment_receipt_email_fetch_user_failed", "payment_id", payment.ID, "user_id", payment.UserID, "error", err)
		return err
	}
	if user == nil {
		logger.Debugw("worker_payment_receipt_email_skip_user_not_found", "payment_id", payment.ID, "user_id", payment.UserID)
		return nil
	}
	receiverEmail := strings.TrimSpace(user.Email)
	if receiverEmail == "" {
		logger.Debugw("worker_payment_receipt_email_skip_empty_receiver", "payment_id", payment.ID)
		return nil
	}
	if c.EmailService == nil {
		logger.Warnw("worker_payment_receipt_email_skip_email_service_nil", "payment_id", payment.ID)
		return nil
	}
	status := strings.TrimSpace(payload.Status)
	if status == "" {
		status = payment.Status
	}
	input := service.PaymentReceiptEmailInput{
		MerchantRef:      payment.MerchantRef,
		PayableKind:      payment.PayableKind,
		Status:           status,
		Amount:           payment.Amount,
		Currency:         payment.Currency,
		PaymentMethod:    payment.PaymentMethod,
		ConfirmationCode: payment.ConfirmationCode,
	}
	if err := c.EmailService.SendPaymentReceiptEmail(receiverEmail, input); err != nil {
		if errors.Is(err, service.ErrEmailServiceDisabled) || errors.Is(err, service.ErrEmailServiceNotConfigured) {
			logger.Debugw("worker_payment_receipt_email_skip_disabled", "payment_id", payment.ID)
			return nil
		}
		if errors.Is(err, service.ErrEmailRecipientRejected) || errors.Is(err, service.ErrInvalidEmail) {
			logger.Warnw("worker_payment_receipt_email_skip_bad_receiver",
				"payment_id", payment.ID,
				"receiver_email", receiverEmail,
				"error", err,
			)
			return nil
		}
		logger.Warnw("worker_payment_receipt_email_send_failed",
			"payment_id", payment.ID,
			"merchant_ref", payment.MerchantRef,
			"receiver_email", receiverEmail,
			"status", status,
			"error", err,
		)
		return err
	}
	now := time.Now()
	payment.NotifiedAt = &now
	if err := c.PaymentRepo.Update(payment); err != nil {
		// 邮件已发出，标记失败只影响重试去重
		logger.Warnw("worker_payment_receipt_email_mark_notified_failed", "payment_id", payment.ID, "error", err)
	}
	return nil
}

func (c *Consumer) handlePaymentStatusRefresh(ctx context.Context, task *asynq.Task) error {
	if c == nil || task == nil {
		logger.Debugw("worker_payment_status_refresh_skip_nil", "consumer_nil", c == nil, "task_nil", task == nil)
		return nil
	}
	var payload queue.PaymentStatusRefreshPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		logger.Warnw("worker_payment_status_refresh_unmarshal_failed", "error", err)
		return err
	}
	if payload.PaymentID == 0 {
		logger.Debugw("worker_payment_status_refresh_skip_invalid_payload", "payment_id", payload.PaymentID)
		return nil
	}
	if c.PaymentService == nil {
		logger.Warnw("worker_payment_status_refresh_skip_payment_service_nil", "payment_id", payload.PaymentID)
		return nil
	}
	if err := c.PaymentService.ProcessStatusRefresh(ctx, payload.PaymentID); err != nil {
		switch {
		case errors.Is(err, service.ErrPaymentInvalid):
			logger.Debugw("worker_payment_status_refresh_skip_invalid", "payment_id", payload.PaymentID)
			return nil
		case errors.Is(err, service.ErrPaymentGatewayConfigInvalid):
			logger.Warnw("worker_payment_status_refresh_config_invalid", "payment_id", payload.PaymentID, "error", err)
			return nil
		default:
			logger.Warnw("worker_payment_status_refresh_failed", "payment_id", payload.PaymentID, "error", err)
			return err
		}
	}
	return nil
}
