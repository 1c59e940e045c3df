package pesapal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/mail"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrConfigInvalid   = errors.New("pesapal config invalid")
	ErrAuthFailed      = errors.New("pesapal auth failed")
	ErrRequestFailed   = errors.New("pesapal request failed")
	ErrResponseInvalid = errors.New("pesapal response invalid")
)

const (
	sandboxBaseURL = "https://cybqa.pesapal.com/pesapalv3/api"
	liveBaseURL    = "https://pay.pesapal.com/v3/api"

	defaultTimeout       = 30 * time.Second
	defaultStatusRetries = 3
	defaultRetryDelay    = time.Second
)

// Config Pesapal 渠道配置。
type Config struct {
	ConsumerKey    string `json:"consumer_key"`
	ConsumerSecret string `json:"consumer_secret"`
	Environment    string `json:"environment"`
	BaseURL        string `json:"base_url"`
	CallbackURL    string `json:"callback_url"`
	IPNID          string `json:"ipn_id"`
	TimeoutMS      int    `json:"timeout_ms"`
	StatusRetries  int    `json:"status_retries"`
	RetryDelayMS   int    `json:"retry_delay_ms"`
}

// BillingAddress 付款人信息。
type BillingAddress struct {
	EmailAddress string `json:"email_address,omitempty"`
	PhoneNumber  string `json:"phone_number,omitempty"`
	CountryCode  string `json:"country_code,omitempty"`
	FirstName    string `json:"first_name,omitempty"`
	MiddleName   string `json:"middle_name,omitempty"`
	LastName     string `json:"last_name,omitempty"`
	Line1        string `json:"line_1,omitempty"`
	Line2        string `json:"line_2,omitempty"`
	City         string `json:"city,omitempty"`
	State        string `json:"state,omitempty"`
	PostalCode   string `json:"postal_code,omitempty"`
}

// OrderInput 提交订单输入。
type OrderInput struct {
	MerchantRef    string
	Amount         string
	Currency       string
	Description    string
	CallbackURL    string
	NotificationID string
	Billing        BillingAddress
}

// OrderResult 提交订单返回。
type OrderResult struct {
	TrackingID  string
	MerchantRef string
	RedirectURL string
	Status      string
	Raw         map[string]interface{}
}

// TransactionStatus 交易状态查询返回。
type TransactionStatus struct {
	StatusCode        string
	StatusDescription string
	PaymentMethod     string
	ConfirmationCode  string
	Amount            string
	Currency          string
	MerchantRef       string
	PaymentAccount    string
	CreatedDate       string
	Message           string
	Raw               map[string]interface{}
}

// RefundInput 退款请求输入。
type RefundInput struct {
	ConfirmationCode string
	Amount           string
	Username         string
	Remarks          string
}

// RefundResult 退款请求返回。
type RefundResult struct {
	Status  string
	Message string
	Raw     map[string]interface{}
}

// IPNRegistration IPN 地址注册返回。
type IPNRegistration struct {
	IPNID            string
	URL              string
	NotificationType string
	Status           string
	Raw              map[string]interface{}
}

// ParseConfig 解析配置。
func ParseConfig(raw map[string]interface{}) (*Config, error) {
	if raw == nil {
		return nil, fmt.Errorf("%w: empty config", ErrConfigInvalid)
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal config failed", ErrConfigInvalid)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: unmarshal config failed", ErrConfigInvalid)
	}
	cfg.normalize()
	return &cfg, nil
}

// ValidateConfig 校验配置。
func ValidateConfig(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: config is nil", ErrConfigInvalid)
	}
	if strings.TrimSpace(cfg.ConsumerKey) == "" {
		return fmt.Errorf("%w: consumer_key is required", ErrConfigInvalid)
	}
	if strings.TrimSpace(cfg.ConsumerSecret) == "" {
		return fmt.Errorf("%w: consumer_secret is required", ErrConfigInvalid)
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return fmt.Errorf("%w: base_url is required", ErrConfigInvalid)
	}
	if _, err := url.ParseRequestURI(strings.TrimSpace(cfg.BaseURL)); err != nil {
		return fmt.Errorf("%w: base_url is invalid", ErrConfigInvalid)
	}
	return nil
}

// validateOrderInput 在发起网络请求前校验订单字段，不合法的订单不出网。
func validateOrderInput(input OrderInput) error {
	if strings.TrimSpace(input.MerchantRef) == "" {
		return fmt.Errorf("%w: merchant reference is required", ErrConfigInvalid)
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(input.Amount))
	if err != nil || !amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrConfigInvalid)
	}
	if strings.TrimSpace(input.Currency) == "" {
		return fmt.Errorf("%w: currency is required", ErrConfigInvalid)
	}
	if strings.TrimSpace(input.Description) == "" {
		return fmt.Errorf("%w: description is required", ErrConfigInvalid)
	}
	email := strings.TrimSpace(input.Billing.EmailAddress)
	if email == "" {
		return fmt.Errorf("%w: payer email is required", ErrConfigInvalid)
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return fmt.Errorf("%w: payer email is invalid", ErrConfigInvalid)
	}
	if strings.TrimSpace(input.Billing.FirstName) == "" || strings.TrimSpace(input.Billing.LastName) == "" {
		return fmt.Errorf("%w: payer first and last name are required", ErrConfigInvalid)
	}
	return nil
}

// Client Pesapal API 客户端，持有令牌缓存。
type Client struct {
	cfg   *Config
	token tokenCache
}

// NewClient 创建客户端。
func NewClient(cfg *Config) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: config is nil", ErrConfigInvalid)
	}
	cfg.normalize()
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return &Client{cfg: cfg}, nil
}

// Config 返回客户端配置。
func (c *Client) Config() *Config {
	return c.cfg
}

// SubmitOrder 提交支付订单，返回网关收银台跳转信息。
// 订单字段在本地校验通过后才发起网络请求。
func (c *Client) SubmitOrder(ctx context.Context, input OrderInput) (*OrderResult, error) {
	if err := validateOrderInput(input); err != nil {
		return nil, err
	}
	callbackURL := strings.TrimSpace(input.CallbackURL)
	if callbackURL == "" {
		callbackURL = c.cfg.CallbackURL
	}
	notificationID := strings.TrimSpace(input.NotificationID)
	if notificationID == "" {
		notificationID = c.cfg.IPNID
	}
	if callbackURL == "" || notificationID == "" {
		return nil, fmt.Errorf("%w: callback_url and notification_id are required", ErrConfigInvalid)
	}

	payload := map[string]interface{}{
		"id":              strings.TrimSpace(input.MerchantRef),
		"currency":        strings.ToUpper(strings.TrimSpace(input.Currency)),
		"amount":          strings.TrimSpace(input.Amount),
		"description":     strings.TrimSpace(input.Description),
		"callback_url":    callbackURL,
		"notification_id": notificationID,
		"billing_address": input.Billing,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal request failed", ErrRequestFailed)
	}

	respBody, statusCode, err := c.doAuthorizedJSONRequest(ctx, http.MethodPost, "/Transactions/SubmitOrderRequest", body)
	if err != nil {
		return nil, err
	}
	if statusCode < 200 || statusCode >= 300 {
		return nil, fmt.Errorf("%w: submit order status %d", ErrResponseInvalid, statusCode)
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(respBody, &raw); err != nil {
		return nil, fmt.Errorf("%w: decode response failed", ErrResponseInvalid)
	}
	if msg := responseErrorMessage(raw); msg != "" {
		return nil, fmt.Errorf("%w: %s", ErrResponseInvalid, msg)
	}

	result := &OrderResult{Raw: raw}
	result.TrackingID = strings.TrimSpace(readString(raw, "order_tracking_id"))
	result.MerchantRef = strings.TrimSpace(readString(raw, "merchant_reference"))
	result.RedirectURL = strings.TrimSpace(readString(raw, "redirect_url"))
	result.Status = strings.TrimSpace(readString(raw, "status"))
	if result.TrackingID == "" || result.RedirectURL == "" {
		return nil, fmt.Errorf("%w: missing tracking id or redirect url", ErrResponseInvalid)
	}
	return result, nil
}

// GetTransactionStatus 查询交易状态。仅对传输层失败做有限次重试。
func (c *Client) GetTransactionStatus(ctx context.Context, trackingID string) (*TransactionStatus, error) {
	trackingID = strings.TrimSpace(trackingID)
	if trackingID == "" {
		return nil, fmt.Errorf("%w: tracking id is empty", ErrConfigInvalid)
	}

	attempts := c.cfg.StatusRetries
	if attempts <= 0 {
		attempts = defaultStatusRetries
	}
	delay := time.Duration(c.cfg.RetryDelayMS) * time.Millisecond
	if delay <= 0 {
		delay = defaultRetryDelay
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", ErrRequestFailed, ctx.Err())
			}
		}
		status, err := c.queryTransactionStatus(ctx, trackingID)
		if err == nil {
			return status, nil
		}
		lastErr = err
		if !errors.Is(err, ErrRequestFailed) {
			return nil, err
		}
	}
	return nil, lastErr
}

func (c *Client) queryTransactionStatus(ctx context.Context, trackingID string) (*TransactionStatus, error) {
	endpoint := "/Transactions/GetTransactionStatus?orderTrackingId=" + url.QueryEscape(trackingID)
	respBody, statusCode, err := c.doAuthorizedJSONRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	if statusCode < 200 || statusCode >= 300 {
		return nil, fmt.Errorf("%w: transaction status %d", ErrResponseInvalid, statusCode)
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(respBody, &raw); err != nil {
		return nil, fmt.Errorf("%w: decode response failed", ErrResponseInvalid)
	}
	if msg := responseErrorMessage(raw); msg != "" {
		return nil, fmt.Errorf("%w: %s", ErrResponseInvalid, msg)
	}

	status := &TransactionStatus{Raw: raw}
	// 网关以 payment_status_code 返回交易状态，status_code 为早期字段名
	status.StatusCode = strings.TrimSpace(readString(raw, "payment_status_code"))
	if status.StatusCode == "" {
		status.StatusCode = strings.TrimSpace(readString(raw, "status_code"))
	}
	status.StatusDescription = strings.TrimSpace(readString(raw, "payment_status_description"))
	status.PaymentMethod = strings.TrimSpace(readString(raw, "payment_method"))
	status.ConfirmationCode = strings.TrimSpace(readString(raw, "confirmation_code"))
	status.Amount = strings.TrimSpace(readString(raw, "amount"))
	status.Currency = strings.TrimSpace(readString(raw, "currency"))
	status.MerchantRef = strings.TrimSpace(readString(raw, "merchant_reference"))
	status.PaymentAccount = strings.TrimSpace(readString(raw, "payment_account"))
	status.CreatedDate = strings.TrimSpace(readString(raw, "created_date"))
	status.Message = strings.TrimSpace(readString(raw, "message"))
	if status.StatusCode == "" {
		return nil, fmt.Errorf("%w: missing payment_status_code", ErrResponseInvalid)
	}
	return status, nil
}

// Refund 发起退款请求。
func (c *Client) Refund(ctx context.Context, input RefundInput) (*RefundResult, error) {
	if strings.TrimSpace(input.ConfirmationCode) == "" || strings.TrimSpace(input.Amount) == "" {
		return nil, fmt.Errorf("%w: refund input is invalid", ErrConfigInvalid)
	}

	payload := map[string]interface{}{
		"confirmation_code": strings.TrimSpace(input.ConfirmationCode),
		"amount":            strings.TrimSpace(input.Amount),
		"username":          strings.TrimSpace(input.Username),
		"remarks":           strings.TrimSpace(input.Remarks),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal request failed", ErrRequestFailed)
	}

	respBody, statusCode, err := c.doAuthorizedJSONRequest(ctx, http.MethodPost, "/Transactions/RefundRequest", body)
	if err != nil {
		return nil, err
	}
	if statusCode < 200 || statusCode >= 300 {
		return nil, fmt.Errorf("%w: refund status %d", ErrResponseInvalid, statusCode)
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(respBody, &raw); err != nil {
		return nil, fmt.Errorf("%w: decode response failed", ErrResponseInvalid)
	}
	if msg := responseErrorMessage(raw); msg != "" {
		return nil, fmt.Errorf("%w: %s", ErrResponseInvalid, msg)
	}

	result := &RefundResult{Raw: raw}
	result.Status = strings.TrimSpace(readString(raw, "status"))
	result.Message = strings.TrimSpace(readString(raw, "message"))
	return result, nil
}

// RegisterIPN 注册 IPN 回调地址。
func (c *Client) RegisterIPN(ctx context.Context, ipnURL, notificationType string) (*IPNRegistration, error) {
	ipnURL = strings.TrimSpace(ipnURL)
	if ipnURL == "" {
		return nil, fmt.Errorf("%w: ipn url is empty", ErrConfigInvalid)
	}
	notificationType = strings.ToUpper(strings.TrimSpace(notificationType))
	if notificationType == "" {
		notificationType = "GET"
	}

	payload := map[string]interface{}{
		"url":                   ipnURL,
		"ipn_notification_type": notificationType,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal request failed", ErrRequestFailed)
	}

	respBody, statusCode, err := c.doAuthorizedJSONRequest(ctx, http.MethodPost, "/URLSetup/RegisterIPN", body)
	if err != nil {
		return nil, err
	}
	if statusCode < 200 || statusCode >= 300 {
		return nil, fmt.Errorf("%w: register ipn status %d", ErrResponseInvalid, statusCode)
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(respBody, &raw); err != nil {
		return nil, fmt.Errorf("%w: decode response failed", ErrResponseInvalid)
	}
	if msg := responseErrorMessage(raw); msg != "" {
		return nil, fmt.Errorf("%w: %s", ErrResponseInvalid, msg)
	}

	result := &IPNRegistration{Raw: raw}
	result.IPNID = strings.TrimSpace(readString(raw, "ipn_id"))
	result.URL = strings.TrimSpace(readString(raw, "url"))
	result.NotificationType = strings.TrimSpace(readString(raw, "ipn_notification_type_description"))
	result.Status = strings.TrimSpace(readString(raw, "status"))
	if result.IPNID == "" {
		return nil, fmt.Errorf("%w: missing ipn_id", ErrResponseInvalid)
	}
	return result, nil
}

// ToPaymentStatus 映射网关状态码到系统支付状态。未知状态码不推进。
func ToPaymentStatus(statusCode string) (string, bool) {
	switch strings.TrimSpace(statusCode) {
	case "1":
		return "completed", true
	case "2":
		return "failed", true
	case "3":
		return "cancelled", true
	}
	return "", false
}

func (c *Config) normalize() {
	c.ConsumerKey = strings.TrimSpace(c.ConsumerKey)
	c.ConsumerSecret = strings.TrimSpace(c.ConsumerSecret)
	c.Environment = strings.ToLower(strings.TrimSpace(c.Environment))
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if c.BaseURL == "" {
		if c.Environment == "live" || c.Environment == "production" {
			c.BaseURL = liveBaseURL
		} else {
			c.BaseURL = sandboxBaseURL
		}
	}
	c.CallbackURL = strings.TrimSpace(c.CallbackURL)
	c.IPNID = strings.TrimSpace(c.IPNID)
}

func (c *Config) timeout() time.Duration {
	if c.TimeoutMS > 0 {
		return time.Duration(c.TimeoutMS) * time.Millisecond
	}
	return defaultTimeout
}

// responseErrorMessage 提取响应中的业务错误信息，无错误返回空串。
func responseErrorMessage(raw map[string]interface{}) string {
	errVal, ok := raw["error"]
	if !ok || errVal == nil {
		return ""
	}
	if errMap, ok := errVal.(map[string]interface{}); ok {
		msg := strings.TrimSpace(readString(errMap, "message"))
		code := strings.TrimSpace(readString(errMap, "code"))
		if msg == "" && code == "" {
			return ""
		}
		if code != "" {
			return code + " " + msg
		}
		return msg
	}
	if msg, ok := errVal.(string); ok {
		return strings.TrimSpace(msg)
	}
	return fmt.Sprintf("%v", errVal)
}

// doAuthorizedJSONRequest 携带令牌请求；令牌被网关拒绝时刷新后重试一次。
func (c *Client) doAuthorizedJSONRequest(ctx context.Context, method, endpoint string, body []byte) ([]byte, int, error) {
	token, err := c.getToken(ctx)
	if err != nil {
		return nil, 0, err
	}
	respBody, statusCode, err := c.doJSONRequest(ctx, method, endpoint, token, body)
	if err != nil {
		return nil, statusCode, err
	}
	if statusCode == http.StatusUnauthorized {
		c.invalidateToken()
		token, err = c.getToken(ctx)
		if err != nil {
			return nil, 0, err
		}
		return c.doJSONRequest(ctx, method, endpoint, token, body)
	}
	return respBody, statusCode, nil
}

func (c *Client) doJSONRequest(ctx context.Context, method, endpoint, token string, body []byte) ([]byte, int, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := c.withDefaultTimeout(ctx)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.cfg.BaseURL, "/")+endpoint, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: build request failed", ErrRequestFailed)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if strings.TrimSpace(token) != "" {
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(token))
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: http request failed", ErrRequestFailed)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("%w: read response failed", ErrRequestFailed)
	}
	return respBody, resp.StatusCode, nil
}

func (c *Client) withDefaultTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.cfg.timeout())
}

func readString(raw map[string]interface{}, path ...string) string {
	if raw == nil {
		return ""
	}
	var current interface{} = raw
	for _, seg := range path {
		if idx, err := strconv.Atoi(seg); err == nil {
			arr, ok := current.([]interface{})
			if !ok || idx < 0 || idx >= len(arr) {
				return ""
			}
			current = arr[idx]
			continue
		}
		next, ok := current.(map[string]interface{})
		if !ok {
			return ""
		}
		current = next[seg]
	}
	if current == nil {
		return ""
	}
	if str, ok := current.(string); ok {
		return str
	}
	if num, ok := current.(float64); ok {
		if num == float64(int64(num)) {
			return strconv.FormatInt(int64(num), 10)
		}
		return strconv.FormatFloat(num, 'f', -1, 64)
	}
	return fmt.Sprintf("%v", current)
}
