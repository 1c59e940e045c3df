package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/malaika-next/internal/constants"
	"github.com/malaika-next/internal/models"
	"github.com/malaika-next/internal/payment/pesapal"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RefundPaymentInput 退款请求
type RefundPaymentInput struct {
	PaymentID uint
	Amount    models.Money
	Remarks   string
	Context   context.Context
}

// RefundPayment 对已完成支付发起退款，支持多次部分退款
func (s *PaymentService) RefundPayment(input RefundPaymentInput) (*models.Payment, error) {
	if input.PaymentID == 0 {
		return nil, ErrPaymentInvalid
	}
	if !input.Amount.Decimal.GreaterThan(decimal.Zero) {
		return nil, ErrPaymentRefundAmountInvalid
	}

	log := paymentLogger(
		"payment_id", input.PaymentID,
		"refund_amount", input.Amount.String(),
	)

	payment, err := s.paymentRepo.GetByID(input.PaymentID)
	if err != nil {
		return nil, ErrPaymentUpdateFailed
	}
	if payment == nil {
		return nil, ErrPaymentNotFound
	}

	now := time.Now()
	if err := s.checkRefundable(payment, input.Amount, now); err != nil {
		log.Warnw("payment_refund_rejected", "status", payment.Status, "error", err)
		return nil, err
	}

	ctx := input.Context
	if ctx == nil {
		ctx = context.Background()
	}
	result, err := s.gateway.Refund(ctx, pesapal.RefundInput{
		ConfirmationCode: payment.ConfirmationCode,
		Amount:           input.Amount.Decimal.StringFixed(2),
		Username:         strings.TrimSpace(s.pesapalCfg.RefundUsername),
		Remarks:          strings.TrimSpace(input.Remarks),
	})
	if err != nil {
		log.Warnw("payment_refund_gateway_failed", "error", err)
		return nil, mapGatewayError(err)
	}

	entry := gatewayLogEntry("refund", result.Status, result.Raw)
	entry["refund_amount"] = input.Amount.String()
	if remarks := strings.TrimSpace(input.Remarks); remarks != "" {
		entry["remarks"] = remarks
	}

	var updated models.Payment
	err = models.DB.Transaction(func(tx *gorm.DB) error {
		var locked models.Payment
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&locked, payment.ID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrPaymentNotFound
			}
			return ErrPaymentUpdateFailed
		}
		// 网关已受理，金额校验在锁内再做一次防并发超退
		if err := s.checkRefundable(&locked, input.Amount, now); err != nil {
			return err
		}

		refunded := locked.RefundedAmount.Decimal.Add(input.Amount.Decimal)
		locked.RefundedAmount = models.NewMoneyFromDecimal(refunded)
		if refunded.GreaterThanOrEqual(locked.Amount.Decimal) {
			locked.Status = constants.PaymentStatusRefunded
		} else {
			locked.Status = constants.PaymentStatusPartiallyRefunded
		}
		locked.RefundedAt = &now
		locked.GatewayLog = locked.GatewayLog.Append(entry)
		locked.UpdatedAt = now

		if err := s.paymentRepo.WithTx(tx).Update(&locked); err != nil {
			return ErrPaymentUpdateFailed
		}
		updated = locked
		return nil
	})
	if err != nil {
		log.Errorw("payment_refund_persist_failed", "error", err)
		return nil, err
	}

	log.Infow("payment_refunded",
		"new_status", updated.Status,
		"refunded_amount", updated.RefundedAmount.String(),
		"gateway_status", result.Status,
	)
	return &updated, nil
}

func (s *PaymentService) checkRefundable(payment *models.Payment, amount models.Money, now time.Time) error {
	windowDays := s.refundWindowDays()
	if !payment.CanBeRefunded(windowDays, now) {
		if payment.Status == constants.PaymentStatusCompleted || payment.Status == constants.PaymentStatusPartiallyRefunded {
			if now.After(payment.CreatedAt.AddDate(0, 0, windowDays)) {
				return ErrPaymentRefundWindowExpired
			}
		}
		return ErrPaymentNotRefundable
	}
	if amount.Decimal.GreaterThan(payment.RemainingRefundable().Decimal) {
		return ErrPaymentRefundAmountInvalid
	}
	return nil
}
