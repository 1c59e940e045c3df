package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/malaika-next/internal/config"
	"github.com/malaika-next/internal/constants"
	"github.com/malaika-next/internal/logger"
	"github.com/malaika-next/internal/models"
	"github.com/malaika-next/internal/payment/pesapal"
	"github.com/malaika-next/internal/queue"
	"github.com/malaika-next/internal/repository"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PaymentService 支付服务
type PaymentService struct {
	paymentRepo repository.PaymentRepository
	userRepo    repository.UserRepository
	gateway     *pesapal.Client
	queueClient *queue.Client
	paymentCfg  config.PaymentConfig
	pesapalCfg  config.PesapalConfig
}

// NewPaymentService 创建支付服务
func NewPaymentService(paymentRepo repository.PaymentRepository, userRepo repository.UserRepository, gateway *pesapal.Client, queueClient *queue.Client, paymentCfg config.PaymentConfig, pesapalCfg config.PesapalConfig) *PaymentService {
	return &PaymentService{
		paymentRepo: paymentRepo,
		userRepo:    userRepo,
		gateway:     gateway,
		queueClient: queueClient,
		paymentCfg:  paymentCfg,
		pesapalCfg:  pesapalCfg,
	}
}

// InitiatePaymentInput 发起支付请求
type InitiatePaymentInput struct {
	UserID      uint
	RecipientID *uint
	PayableKind string
	PayableID   uint
	Amount      models.Money
	Description string
	Email       string
	Phone       string
	FirstName   string
	LastName    string
	CountryCode string
	Context     context.Context
}

// InitiatePaymentResult 发起支付结果
type InitiatePaymentResult struct {
	Payment     *models.Payment
	RedirectURL string
}

// GetPaymentInput 查询支付单请求
type GetPaymentInput struct {
	PaymentID uint
	UserID    uint
	IsAdmin   bool
	Refresh   bool
	Context   context.Context
}

func paymentLogger(kv ...interface{}) *zap.SugaredLogger {
	if len(kv) == 0 {
		return logger.S()
	}
	return logger.SW(kv...)
}

func canReadPayment(payment *models.Payment, userID uint) bool {
	if userID == 0 {
		return false
	}
	if payment.UserID == userID {
		return true
	}
	return payment.RecipientID != nil && *payment.RecipientID == userID
}

func isPayableKindValid(kind string) bool {
	switch kind {
	case constants.PayableKindApplication, constants.PayableKindSponsorship, constants.PayableKindPromotion:
		return true
	default:
		return false
	}
}

func normalizePaymentStatus(status string) string {
	return strings.ToLower(strings.TrimSpace(status))
}

func isPaymentStatusValid(status string) bool {
	switch status {
	case constants.PaymentStatusPending, constants.PaymentStatusCompleted, constants.PaymentStatusFailed,
		constants.PaymentStatusCancelled, constants.PaymentStatusRefunded, constants.PaymentStatusPartiallyRefunded:
		return true
	default:
		return false
	}
}

// InitiatePayment 发起支付：先提交网关，成功后落库
func (s *PaymentService) InitiatePayment(input InitiatePaymentInput) (*InitiatePaymentResult, error) {
	if input.UserID == 0 || input.PayableID == 0 {
		return nil, ErrPaymentInvalid
	}
	if !isPayableKindValid(strings.TrimSpace(input.PayableKind)) {
		return nil, ErrPaymentPayableKindInvalid
	}
	if !input.Amount.Decimal.GreaterThan(decimal.Zero) {
		return nil, ErrPaymentAmountInvalid
	}

	ctx := input.Context
	if ctx == nil {
		ctx = context.Background()
	}

	user, err := s.userRepo.GetByID(input.UserID)
	if err != nil {
		return nil, ErrPaymentCreateFailed
	}
	if user == nil {
		return nil, ErrUserNotFound
	}
	if user.Status != constants.UserStatusActive {
		return nil, ErrUserDisabled
	}

	recipientID := input.RecipientID
	if recipientID != nil && *recipientID == input.UserID {
		// 受益人与付款人相同时不单独记录
		recipientID = nil
	}
	if recipientID != nil {
		recipient, err := s.userRepo.GetByID(*recipientID)
		if err != nil {
			return nil, ErrPaymentCreateFailed
		}
		if recipient == nil {
			return nil, ErrUserNotFound
		}
	}

	now := time.Now()
	merchantRef := s.mintMerchantRef(now)
	currency := s.currency()
	description := strings.TrimSpace(input.Description)
	if description == "" {
		description = fmt.Sprintf("%s #%d", input.PayableKind, input.PayableID)
	}

	log := paymentLogger(
		"user_id", input.UserID,
		"payable_kind", input.PayableKind,
		"payable_id", input.PayableID,
		"merchant_ref", merchantRef,
	)

	billing := pesapal.BillingAddress{
		EmailAddress: strings.TrimSpace(input.Email),
		PhoneNumber:  strings.TrimSpace(input.Phone),
		CountryCode:  strings.TrimSpace(input.CountryCode),
		FirstName:    strings.TrimSpace(input.FirstName),
		LastName:     strings.TrimSpace(input.LastName),
	}
	if billing.EmailAddress == "" {
		billing.EmailAddress = user.Email
	}
	if billing.PhoneNumber == "" {
		billing.PhoneNumber = user.Phone
	}
	if billing.FirstName == "" || billing.LastName == "" {
		first, last := splitDisplayName(user.DisplayName)
		if billing.FirstName == "" {
			billing.FirstName = first
		}
		if billing.LastName == "" {
			billing.LastName = last
		}
	}

	order, err := s.gateway.SubmitOrder(ctx, pesapal.OrderInput{
		MerchantRef: merchantRef,
		Amount:      input.Amount.Decimal.StringFixed(2),
		Currency:    currency,
		Description: description,
		Billing:     billing,
	})
	if err != nil {
		log.Warnw("payment_submit_failed", "error", err)
		return nil, mapGatewayError(err)
	}

	payment := &models.Payment{
		UserID:            input.UserID,
		RecipientID:       recipientID,
		PayableKind:       input.PayableKind,
		PayableID:         input.PayableID,
		MerchantRef:       merchantRef,
		GatewayTrackingID: order.TrackingID,
		Amount:            input.Amount,
		Currency:          currency,
		Description:       description,
		Status:            constants.PaymentStatusPending,
		RedirectURL:       order.RedirectURL,
		GatewayLog:        models.JSONList{}.Append(gatewayLogEntry("submit", order.Status, order.Raw)),
	}
	if err := s.paymentRepo.Create(payment); err != nil {
		// 网关侧订单已建立，落库失败必须留痕以便人工对账
		log.Errorw("payment_persist_failed", "tracking_id", order.TrackingID, "error", err)
		return nil, ErrPaymentCreateFailed
	}

	log.Infow("payment_initiated",
		"payment_id", payment.ID,
		"tracking_id", order.TrackingID,
		"amount", input.Amount.String(),
		"currency", currency,
	)

	return &InitiatePaymentResult{
		Payment:     payment,
		RedirectURL: order.RedirectURL,
	}, nil
}

// GetPayment 查询支付单，可选触发一次状态刷新
func (s *PaymentService) GetPayment(input GetPaymentInput) (*models.Payment, error) {
	if input.PaymentID == 0 {
		return nil, ErrPaymentInvalid
	}
	payment, err := s.paymentRepo.GetByID(input.PaymentID)
	if err != nil {
		return nil, ErrPaymentNotFound
	}
	if payment == nil {
		return nil, ErrPaymentNotFound
	}
	if !input.IsAdmin && !canReadPayment(payment, input.UserID) {
		return nil, ErrPaymentAccessDenied
	}
	if input.Refresh && payment.Status == constants.PaymentStatusPending && strings.TrimSpace(payment.GatewayTrackingID) != "" {
		refreshed, err := s.RefreshStatus(input.Context, payment.ID)
		if err != nil {
			// 刷新失败时返回库内快照
			paymentLogger("payment_id", payment.ID).Warnw("payment_refresh_failed", "error", err)
			return payment, nil
		}
		return refreshed, nil
	}
	return payment, nil
}

// ListUserPayments 用户支付记录分页
func (s *PaymentService) ListUserPayments(userID uint, page, pageSize int) ([]models.Payment, int64, error) {
	if userID == 0 {
		return nil, 0, ErrPaymentInvalid
	}
	return s.paymentRepo.ListByUser(userID, page, pageSize)
}

// ListPayments 管理端支付单列表
func (s *PaymentService) ListPayments(filter repository.PaymentListFilter) ([]models.Payment, int64, error) {
	if filter.Status != "" && !isPaymentStatusValid(normalizePaymentStatus(filter.Status)) {
		return nil, 0, ErrPaymentStatusInvalid
	}
	filter.Status = normalizePaymentStatus(filter.Status)
	return s.paymentRepo.ListAdmin(filter)
}

// ListPayablePayments 按业务对象列出支付单
func (s *PaymentService) ListPayablePayments(kind string, payableID uint) ([]models.Payment, error) {
	if !isPayableKindValid(strings.TrimSpace(kind)) {
		return nil, ErrPaymentPayableKindInvalid
	}
	if payableID == 0 {
		return nil, ErrPaymentInvalid
	}
	return s.paymentRepo.ListByPayable(kind, payableID)
}

// RegisterIPN 向网关注册 IPN 通知地址
func (s *PaymentService) RegisterIPN(ctx context.Context, ipnURL, notificationType string) (*pesapal.IPNRegistration, error) {
	ipnURL = strings.TrimSpace(ipnURL)
	if ipnURL == "" {
		return nil, ErrPaymentInvalid
	}
	registration, err := s.gateway.RegisterIPN(ctx, ipnURL, notificationType)
	if err != nil {
		paymentLogger("ipn_url", ipnURL).Warnw("ipn_register_failed", "error", err)
		return nil, mapGatewayError(err)
	}
	paymentLogger("ipn_url", ipnURL).Infow("ipn_registered", "ipn_id", registration.IPNID)
	return registration, nil
}

func (s *PaymentService) currency() string {
	currency := strings.ToUpper(strings.TrimSpace(s.paymentCfg.Currency))
	if currency == "" {
		return constants.SiteCurrencyDefault
	}
	return currency
}

func (s *PaymentService) merchantRefPrefix() string {
	prefix := strings.TrimSpace(s.paymentCfg.MerchantRefPrefix)
	if prefix == "" {
		return constants.MerchantRefPrefixDefault
	}
	return prefix
}

func (s *PaymentService) refundWindowDays() int {
	if s.paymentCfg.RefundWindowDays > 0 {
		return s.paymentCfg.RefundWindowDays
	}
	return 365
}

func (s *PaymentService) mintMerchantRef(now time.Time) string {
	return fmt.Sprintf("%s_%d_%s", s.merchantRefPrefix(), now.Unix(), randHexCode(8))
}

// splitDisplayName 拆出账单姓名，单词昵称同时充当姓与名。
func splitDisplayName(displayName string) (string, string) {
	fields := strings.Fields(strings.TrimSpace(displayName))
	switch len(fields) {
	case 0:
		return "", ""
	case 1:
		return fields[0], fields[0]
	default:
		return fields[0], strings.Join(fields[1:], " ")
	}
}

func randHexCode(length int) string {
	if length <= 0 {
		return ""
	}
	buf := make([]byte, (length+1)/2)
	if _, err := rand.Read(buf); err != nil {
		return strings.Repeat("0", length)
	}
	return hex.EncodeToString(buf)[:length]
}

func mapGatewayError(err error) error {
	switch {
	case errors.Is(err, pesapal.ErrConfigInvalid), errors.Is(err, pesapal.ErrAuthFailed):
		return ErrPaymentGatewayConfigInvalid
	case errors.Is(err, pesapal.ErrResponseInvalid):
		return ErrPaymentGatewayResponseInvalid
	default:
		return ErrPaymentGatewayRequestFailed
	}
}

func gatewayLogEntry(source, status string, raw map[string]interface{}) map[string]interface{} {
	entry := map[string]interface{}{
		"source": source,
		"at":     time.Now().UTC().Format(time.RFC3339),
	}
	if strings.TrimSpace(status) != "" {
		entry["status"] = status
	}
	if len(raw) > 0 {
		entry["raw"] = raw
	}
	return entry
}

func appendURLQuery(rawURL string, params map[string]string) string {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return ""
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	query := parsed.Query()
	for key, value := range params {
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if key == "" || value == "" {
			continue
		}
		query.Set(key, value)
	}
	parsed.RawQuery = query.Encode()
	return parsed.String()
}
