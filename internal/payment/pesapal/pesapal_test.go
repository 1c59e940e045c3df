package pesapal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func buildTestConfig(baseURL string) *Config {
	cfg := &Config{
		ConsumerKey:    "key",
		ConsumerSecret: "secret",
		Environment:    "sandbox",
		BaseURL:        baseURL,
		CallbackURL:    "https://example.com/payments/callback",
		IPNID:          "ipn-0001",
		RetryDelayMS:   1,
	}
	cfg.normalize()
	return cfg
}

func writeToken(t *testing.T, w http.ResponseWriter) {
	t.Helper()
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"token":      "test-token",
		"expiryDate": time.Now().Add(5 * time.Minute).UTC().Format(time.RFC3339Nano),
	})
}

func TestValidateConfig(t *testing.T) {
	cfg := buildTestConfig("https://cybqa.pesapal.com/pesapalv3/api")
	if err := ValidateConfig(cfg); err != nil {
		t.Fatalf("ValidateConfig should pass, got: %v", err)
	}
	if err := ValidateConfig(&Config{}); err == nil {
		t.Fatal("ValidateConfig should reject empty config")
	}
}

func TestNewClientDefaultsBaseURLByEnvironment(t *testing.T) {
	client, err := NewClient(&Config{
		ConsumerKey:    "key",
		ConsumerSecret: "secret",
		Environment:    "live",
	})
	if err != nil {
		t.Fatalf("NewClient error: %v", err)
	}
	if client.cfg.BaseURL != liveBaseURL {
		t.Fatalf("live base url expected, got: %s", client.cfg.BaseURL)
	}
}

func TestParseConfigAndNormalize(t *testing.T) {
	raw := map[string]interface{}{
		"consumer_key":    " key ",
		"consumer_secret": " secret ",
		"environment":     "Live",
	}
	cfg, err := ParseConfig(raw)
	if err != nil {
		t.Fatalf("ParseConfig error: %v", err)
	}
	if cfg.ConsumerKey != "key" {
		t.Fatalf("consumer key not normalized, got: %s", cfg.ConsumerKey)
	}
	if cfg.BaseURL != liveBaseURL {
		t.Fatalf("live base url expected, got: %s", cfg.BaseURL)
	}

	sandbox, err := ParseConfig(map[string]interface{}{
		"consumer_key":    "key",
		"consumer_secret": "secret",
	})
	if err != nil {
		t.Fatalf("ParseConfig error: %v", err)
	}
	if sandbox.BaseURL != sandboxBaseURL {
		t.Fatalf("sandbox base url expected, got: %s", sandbox.BaseURL)
	}
}

func TestToPaymentStatus(t *testing.T) {
	cases := []struct {
		code   string
		status string
		ok     bool
	}{
		{"1", "completed", true},
		{"2", "failed", true},
		{"3", "cancelled", true},
		{"0", "", false},
		{"", "", false},
		{"unknown", "", false},
	}
	for _, tc := range cases {
		status, ok := ToPaymentStatus(tc.code)
		if status != tc.status || ok != tc.ok {
			t.Fatalf("ToPaymentStatus(%q) = %q %v, want %q %v", tc.code, status, ok, tc.status, tc.ok)
		}
	}
}

func TestSubmitOrder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/Auth/RequestToken":
			writeToken(t, w)
		case "/Transactions/SubmitOrderRequest":
			if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
				t.Fatalf("unexpected authorization header: %s", got)
			}
			var payload map[string]interface{}
			if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
				t.Fatalf("decode submit payload failed: %v", err)
			}
			if payload["id"] != "MALAIKA_1700000000_ab12cd34" {
				t.Fatalf("unexpected merchant ref: %v", payload["id"])
			}
			if payload["currency"] != "KES" {
				t.Fatalf("unexpected currency: %v", payload["currency"])
			}
			if payload["notification_id"] != "ipn-0001" {
				t.Fatalf("unexpected notification id: %v", payload["notification_id"])
			}
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"order_tracking_id":  "track-123",
				"merchant_reference": "MALAIKA_1700000000_ab12cd34",
				"redirect_url":       "https://cybqa.pesapal.com/pesapaliframe/track-123",
				"status":             "200",
			})
		default:
			t.Fatalf("unexpected request path: %s", r.URL.Path)
		}
	}))
	defer server.Close()

	client, err := NewClient(buildTestConfig(server.URL))
	if err != nil {
		t.Fatalf("NewClient error: %v", err)
	}
	result, err := client.SubmitOrder(context.Background(), OrderInput{
		MerchantRef: "MALAIKA_1700000000_ab12cd34",
		Amount:      "2500.00",
		Currency:    "kes",
		Description: "Scholarship application fee",
		Billing: BillingAddress{
			EmailAddress: "applicant@example.com",
			PhoneNumber:  "254700000000",
			FirstName:    "Amani",
			LastName:     "Otieno",
		},
	})
	if err != nil {
		t.Fatalf("SubmitOrder error: %v", err)
	}
	if result.TrackingID != "track-123" {
		t.Fatalf("unexpected tracking id: %s", result.TrackingID)
	}
	if result.RedirectURL == "" {
		t.Fatal("redirect url should not be empty")
	}
}

func TestSubmitOrderRejectsInvalidInputBeforeNetwork(t *testing.T) {
	var requests int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		writeToken(t, w)
	}))
	defer server.Close()

	client, err := NewClient(buildTestConfig(server.URL))
	if err != nil {
		t.Fatalf("NewClient error: %v", err)
	}

	valid := OrderInput{
		MerchantRef: "MALAIKA_1700000000_ab12cd34",
		Amount:      "2500.00",
		Currency:    "KES",
		Description: "Scholarship application fee",
		Billing: BillingAddress{
			EmailAddress: "applicant@example.com",
			FirstName:    "Amani",
			LastName:     "Otieno",
		},
	}

	cases := []struct {
		name   string
		mutate func(*OrderInput)
	}{
		{"negative amount", func(o *OrderInput) { o.Amount = "-5.00" }},
		{"zero amount", func(o *OrderInput) { o.Amount = "0" }},
		{"unparseable amount", func(o *OrderInput) { o.Amount = "abc" }},
		{"missing description", func(o *OrderInput) { o.Description = "" }},
		{"missing email", func(o *OrderInput) { o.Billing.EmailAddress = "" }},
		{"invalid email", func(o *OrderInput) { o.Billing.EmailAddress = "not-an-email" }},
		{"missing first name", func(o *OrderInput) { o.Billing.FirstName = "" }},
		{"missing last name", func(o *OrderInput) { o.Billing.LastName = "" }},
	}
	for _, tc := range cases {
		input := valid
		tc.mutate(&input)
		_, err := client.SubmitOrder(context.Background(), input)
		if !errors.Is(err, ErrConfigInvalid) {
			t.Fatalf("%s: expected ErrConfigInvalid, got: %v", tc.name, err)
		}
	}
	if got := atomic.LoadInt32(&requests); got != 0 {
		t.Fatalf("invalid orders must not reach the network, requests=%d", got)
	}
}

func TestSubmitOrderResponseError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/Auth/RequestToken":
			writeToken(t, w)
		default:
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"order_tracking_id": nil,
				"error": map[string]interface{}{
					"error_type": "api_error",
					"code":       "invalid_currency",
					"message":    "Currency not supported",
				},
				"status": "500",
			})
		}
	}))
	defer server.Close()

	client, err := NewClient(buildTestConfig(server.URL))
	if err != nil {
		t.Fatalf("NewClient error: %v", err)
	}
	_, err = client.SubmitOrder(context.Background(), OrderInput{
		MerchantRef: "MALAIKA_1_x",
		Amount:      "10.00",
		Currency:    "XXX",
		Description: "Application fee",
		Billing: BillingAddress{
			EmailAddress: "applicant@example.com",
			FirstName:    "Amani",
			LastName:     "Otieno",
		},
	})
	if err == nil {
		t.Fatal("expected submit order error")
	}
	if !errors.Is(err, ErrResponseInvalid) {
		t.Fatalf("expected ErrResponseInvalid, got: %v", err)
	}
	if !strings.Contains(err.Error(), "invalid_currency") {
		t.Fatalf("error should carry gateway message, got: %v", err)
	}
}

func TestGetTransactionStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/Auth/RequestToken":
			writeToken(t, w)
		case "/Transactions/GetTransactionStatus":
			if got := r.URL.Query().Get("orderTrackingId"); got != "track-123" {
				t.Fatalf("unexpected tracking id: %s", got)
			}
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"payment_method":             "MPESA",
				"amount":                     2500,
				"confirmation_code":          "QFX12345",
				"payment_status_description": "Completed",
				"merchant_reference":         "MALAIKA_1700000000_ab12cd34",
				"currency":                   "KES",
				"payment_status_code":        1,
			})
		default:
			t.Fatalf("unexpected request path: %s", r.URL.Path)
		}
	}))
	defer server.Close()

	client, err := NewClient(buildTestConfig(server.URL))
	if err != nil {
		t.Fatalf("NewClient error: %v", err)
	}
	status, err := client.GetTransactionStatus(context.Background(), "track-123")
	if err != nil {
		t.Fatalf("GetTransactionStatus error: %v", err)
	}
	if status.StatusCode != "1" {
		t.Fatalf("status code want 1 got %s", status.StatusCode)
	}
	if status.ConfirmationCode != "QFX12345" {
		t.Fatalf("unexpected confirmation code: %s", status.ConfirmationCode)
	}
	if status.PaymentMethod != "MPESA" {
		t.Fatalf("unexpected payment method: %s", status.PaymentMethod)
	}
	if status.Amount != "2500" {
		t.Fatalf("unexpected amount: %s", status.Amount)
	}
}

func TestGetTransactionStatusRetriesTransportFailure(t *testing.T) {
	var statusCalls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/Auth/RequestToken":
			writeToken(t, w)
		case "/Transactions/GetTransactionStatus":
			call := atomic.AddInt32(&statusCalls, 1)
			if call < 3 {
				// 模拟连接中断
				hj, ok := w.(http.Hijacker)
				if !ok {
					t.Fatal("server does not support hijacking")
				}
				conn, _, err := hj.Hijack()
				if err != nil {
					t.Fatalf("hijack failed: %v", err)
				}
				_ = conn.Close()
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"status_code":                1,
				"payment_status_description": "Completed",
			})
		}
	}))
	defer server.Close()

	client, err := NewClient(buildTestConfig(server.URL))
	if err != nil {
		t.Fatalf("NewClient error: %v", err)
	}
	status, err := client.GetTransactionStatus(context.Background(), "track-retry")
	if err != nil {
		t.Fatalf("GetTransactionStatus should succeed after retries, got: %v", err)
	}
	if status.StatusCode != "1" {
		t.Fatalf("status code want 1 got %s", status.StatusCode)
	}
	if got := atomic.LoadInt32(&statusCalls); got != 3 {
		t.Fatalf("status endpoint calls want 3 got %d", got)
	}
}

func TestGetTransactionStatusDoesNotRetryResponseError(t *testing.T) {
	var statusCalls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/Auth/RequestToken":
			writeToken(t, w)
		case "/Transactions/GetTransactionStatus":
			atomic.AddInt32(&statusCalls, 1)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"error": map[string]interface{}{
					"code":    "invalid_tracking_id",
					"message": "Unknown tracking id",
				},
			})
		}
	}))
	defer server.Close()

	client, err := NewClient(buildTestConfig(server.URL))
	if err != nil {
		t.Fatalf("NewClient error: %v", err)
	}
	_, err = client.GetTransactionStatus(context.Background(), "track-bad")
	if err == nil {
		t.Fatal("expected transaction status error")
	}
	if !errors.Is(err, ErrResponseInvalid) {
		t.Fatalf("expected ErrResponseInvalid, got: %v", err)
	}
	if got := atomic.LoadInt32(&statusCalls); got != 1 {
		t.Fatalf("response errors must not be retried, calls=%d", got)
	}
}

func TestTokenCacheReuseAndRefresh(t *testing.T) {
	var tokenCalls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/Auth/RequestToken":
			atomic.AddInt32(&tokenCalls, 1)
			writeToken(t, w)
		case "/Transactions/GetTransactionStatus":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"status_code": 1})
		}
	}))
	defer server.Close()

	client, err := NewClient(buildTestConfig(server.URL))
	if err != nil {
		t.Fatalf("NewClient error: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := client.GetTransactionStatus(context.Background(), "track-123"); err != nil {
			t.Fatalf("GetTransactionStatus error: %v", err)
		}
	}
	if got := atomic.LoadInt32(&tokenCalls); got != 1 {
		t.Fatalf("token should be cached across calls, requests=%d", got)
	}

	client.invalidateToken()
	if _, err := client.GetTransactionStatus(context.Background(), "track-123"); err != nil {
		t.Fatalf("GetTransactionStatus error: %v", err)
	}
	if got := atomic.LoadInt32(&tokenCalls); got != 2 {
		t.Fatalf("invalidated token should be refreshed, requests=%d", got)
	}
}

func TestAuthorizedRequestRefreshesRejectedToken(t *testing.T) {
	var tokenCalls, statusCalls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/Auth/RequestToken":
			atomic.AddInt32(&tokenCalls, 1)
			writeToken(t, w)
		case "/Transactions/GetTransactionStatus":
			if atomic.AddInt32(&statusCalls, 1) == 1 {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"status_code": 1})
		}
	}))
	defer server.Close()

	client, err := NewClient(buildTestConfig(server.URL))
	if err != nil {
		t.Fatalf("NewClient error: %v", err)
	}
	status, err := client.GetTransactionStatus(context.Background(), "track-123")
	if err != nil {
		t.Fatalf("GetTransactionStatus error: %v", err)
	}
	if status.StatusCode != "1" {
		t.Fatalf("status code want 1 got %s", status.StatusCode)
	}
	if got := atomic.LoadInt32(&tokenCalls); got != 2 {
		t.Fatalf("rejected token should trigger one refresh, requests=%d", got)
	}
}

func TestRefund(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/Auth/RequestToken":
			writeToken(t, w)
		case "/Transactions/RefundRequest":
			var payload map[string]interface{}
			if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
				t.Fatalf("decode refund payload failed: %v", err)
			}
			if payload["confirmation_code"] != "QFX12345" {
				t.Fatalf("unexpected confirmation code: %v", payload["confirmation_code"])
			}
			if payload["amount"] != "500.00" {
				t.Fatalf("unexpected amount: %v", payload["amount"])
			}
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"status":  "200",
				"message": "Refund received",
			})
		default:
			t.Fatalf("unexpected request path: %s", r.URL.Path)
		}
	}))
	defer server.Close()

	client, err := NewClient(buildTestConfig(server.URL))
	if err != nil {
		t.Fatalf("NewClient error: %v", err)
	}
	result, err := client.Refund(context.Background(), RefundInput{
		ConfirmationCode: "QFX12345",
		Amount:           "500.00",
		Username:         "finance",
		Remarks:          "partial refund",
	})
	if err != nil {
		t.Fatalf("Refund error: %v", err)
	}
	if result.Message != "Refund received" {
		t.Fatalf("unexpected refund message: %s", result.Message)
	}
}

func TestRegisterIPN(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/Auth/RequestToken":
			writeToken(t, w)
		case "/URLSetup/RegisterIPN":
			var payload map[string]interface{}
			if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
				t.Fatalf("decode register payload failed: %v", err)
			}
			if payload["ipn_notification_type"] != "GET" {
				t.Fatalf("unexpected notification type: %v", payload["ipn_notification_type"])
			}
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"url":                               payload["url"],
				"ipn_id":                            "ipn-new-001",
				"ipn_notification_type_description": "GET",
				"status":                            "200",
			})
		default:
			t.Fatalf("unexpected request path: %s", r.URL.Path)
		}
	}))
	defer server.Close()

	client, err := NewClient(buildTestConfig(server.URL))
	if err != nil {
		t.Fatalf("NewClient error: %v", err)
	}
	result, err := client.RegisterIPN(context.Background(), "https://example.com/payments/ipn", "")
	if err != nil {
		t.Fatalf("RegisterIPN error: %v", err)
	}
	if result.IPNID != "ipn-new-001" {
		t.Fatalf("unexpected ipn id: %s", result.IPNID)
	}
}
