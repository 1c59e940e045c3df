package queue

import (
	"encoding/json"

	"github.com/malaika-next/internal/constants"

	"github.com/hibiken/asynq"
)

const (
	// TaskPaymentReceiptEmail 支付回执邮件任务
	TaskPaymentReceiptEmail = constants.TaskPaymentReceiptEmail
	// TaskPaymentStatusRefresh 支付状态刷新任务
	TaskPaymentStatusRefresh = constants.TaskPaymentStatusRefresh
)

// PaymentReceiptEmailPayload 支付回执邮件任务载荷
type PaymentReceiptEmailPayload struct {
	PaymentID uint   `json:"payment_id"`
	Status    string `json:"status"`
}

// PaymentStatusRefreshPayload 支付状态刷新任务载荷
type PaymentStatusRefreshPayload struct {
	PaymentID uint `json:"payment_id"`
}

// NewPaymentReceiptEmailTask 创建支付回执邮件任务
func NewPaymentReceiptEmailTask(payload PaymentReceiptEmailPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskPaymentReceiptEmail, body), nil
}

// NewPaymentStatusRefreshTask 创建支付状态刷新任务
func NewPaymentStatusRefreshTask(payload PaymentStatusRefreshPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskPaymentStatusRefresh, body), nil
}
