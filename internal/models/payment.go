package models

import (
	"time"

	"github.com/malaika-next/internal/constants"
)

// Payment 支付记录
type Payment struct {
	ID                uint       `gorm:"primarykey" json:"id"`                                         // 主键
	UserID            uint       `gorm:"index;not null" json:"user_id"`                                // 付款用户ID
	RecipientID       *uint      `gorm:"index" json:"recipient_id"`                                    // 受益用户ID（与付款人不同时填写）
	PayableKind       string     `gorm:"index;not null" json:"payable_kind"`                           // 业务类型（application/sponsorship/promotion）
	PayableID         uint       `gorm:"index;not null" json:"payable_id"`                             // 业务对象ID
	MerchantRef       string     `gorm:"uniqueIndex;not null" json:"merchant_ref"`                     // 商户参考号
	GatewayTrackingID string     `gorm:"index" json:"gateway_tracking_id"`                             // 网关跟踪ID
	ConfirmationCode  string     `gorm:"index" json:"confirmation_code"`                               // 网关确认码（退款凭据）
	Amount            Money      `gorm:"type:decimal(20,2);not null" json:"amount"`                    // 支付金额
	RefundedAmount    Money      `gorm:"type:decimal(20,2);not null;default:0" json:"refunded_amount"` // 累计退款金额
	Currency          string     `gorm:"not null" json:"currency"`                                     // 币种
	Description       string     `gorm:"type:text" json:"description"`                                 // 支付描述
	Status            string     `gorm:"index;not null" json:"status"`                                 // 支付状态
	PaymentMethod     string     `json:"payment_method"`                                               // 网关侧支付方式（MPESA/VISA 等）
	RedirectURL       string     `gorm:"type:text" json:"redirect_url"`                                // 网关收银台链接
	GatewayLog        JSONList   `gorm:"type:json" json:"-"`                                           // 网关回执日志（追加式），不对外输出
	CreatedAt         time.Time  `gorm:"index" json:"created_at"`                                      // 创建时间
	UpdatedAt         time.Time  `gorm:"index" json:"updated_at"`                                      // 更新时间
	ProcessedAt       *time.Time `gorm:"index" json:"processed_at"`                                    // 首次对账完成时间
	NotifiedAt        *time.Time `json:"notified_at"`                                                  // 回执通知时间
	RefundedAt        *time.Time `json:"refunded_at"`                                                  // 最近退款时间
}

// TableName 指定表名
func (Payment) TableName() string {
	return "payments"
}

// IsFinal 判断是否处于终态（失败/取消不可再推进，完成仍可退款）
func (p *Payment) IsFinal() bool {
	switch p.Status {
	case constants.PaymentStatusFailed,
		constants.PaymentStatusCancelled,
		constants.PaymentStatusRefunded:
		return true
	}
	return false
}

// RemainingRefundable 返回剩余可退金额
func (p *Payment) RemainingRefundable() Money {
	return NewMoneyFromDecimal(p.Amount.Decimal.Sub(p.RefundedAmount.Decimal))
}

// CanBeRefunded 判断当前状态下是否允许发起退款
func (p *Payment) CanBeRefunded(windowDays int, now time.Time) bool {
	if p.Status != constants.PaymentStatusCompleted && p.Status != constants.PaymentStatusPartiallyRefunded {
		return false
	}
	if p.ConfirmationCode == "" {
		return false
	}
	if p.RemainingRefundable().Decimal.Sign() <= 0 {
		return false
	}
	// 退款窗口自创建时间起算
	if windowDays > 0 {
		deadline := p.CreatedAt.AddDate(0, 0, windowDays)
		if now.After(deadline) {
			return false
		}
	}
	return true
}
