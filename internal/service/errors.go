package service

import "errors"

// 支付相关错误
var (
	ErrPaymentInvalid                = errors.New("payment request invalid")
	ErrPaymentNotFound               = errors.New("payment not found")
	ErrPaymentCreateFailed           = errors.New("payment create failed")
	ErrPaymentUpdateFailed           = errors.New("payment update failed")
	ErrPaymentStatusInvalid          = errors.New("payment status invalid")
	ErrPaymentAccessDenied           = errors.New("payment access denied")
	ErrPaymentPayableKindInvalid     = errors.New("payment payable kind invalid")
	ErrPaymentAmountInvalid          = errors.New("payment amount invalid")
	ErrPaymentGatewayConfigInvalid   = errors.New("payment gateway config invalid")
	ErrPaymentGatewayRequestFailed   = errors.New("payment gateway request failed")
	ErrPaymentGatewayResponseInvalid = errors.New("payment gateway response invalid")
	ErrPaymentNotRefundable          = errors.New("payment not refundable")
	ErrPaymentRefundAmountInvalid    = errors.New("payment refund amount invalid")
	ErrPaymentRefundWindowExpired    = errors.New("payment refund window expired")
)

// 认证相关错误
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserNotFound       = errors.New("user not found")
	ErrUserDisabled       = errors.New("user disabled")
	ErrUserEmailExists    = errors.New("user email exists")
	ErrTokenInvalid       = errors.New("token invalid")
	ErrAdminNotFound      = errors.New("admin not found")
	ErrNotFound           = errors.New("record not found")
	ErrInvalidPassword    = errors.New("invalid password")
	ErrProfileEmpty       = errors.New("profile update empty")
	ErrWeakPassword       = errors.New("weak password")
)

// 邮件相关错误
var (
	ErrEmailServiceDisabled      = errors.New("email service disabled")
	ErrEmailServiceNotConfigured = errors.New("email service not configured")
	ErrInvalidEmail              = errors.New("invalid email address")
	ErrEmailRecipientRejected    = errors.New("email recipient rejected")
)
