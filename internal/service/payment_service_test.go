package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/malaika-next/internal/config"
	"github.com/malaika-next/internal/constants"
	"github.com/malaika-next/internal/models"
	"github.com/malaika-next/internal/payment/pesapal"
	"github.com/malaika-next/internal/queue"
	"github.com/malaika-next/internal/repository"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type pesapalStub struct {
	statusCode       string
	confirmationCode string
	paymentMethod    string
	refundStatus     string
}

func newPesapalStubServer(t *testing.T, stub *pesapalStub) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/Auth/RequestToken":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"token":      "test-token",
				"expiryDate": time.Now().Add(5 * time.Minute).UTC().Format(time.RFC3339Nano),
			})
		case "/Transactions/SubmitOrderRequest":
			var payload map[string]interface{}
			if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
				t.Fatalf("decode submit payload failed: %v", err)
			}
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"order_tracking_id":  "track-svc-1",
				"merchant_reference": payload["id"],
				"redirect_url":       "https://pay.example.com/iframe/track-svc-1",
				"status":             "200",
			})
		case "/Transactions/GetTransactionStatus":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"payment_status_code":        stub.statusCode,
				"payment_status_description": "stubbed",
				"payment_method":             stub.paymentMethod,
				"confirmation_code":          stub.confirmationCode,
				"amount":                     "150.00",
				"currency":                   "KES",
			})
		case "/Transactions/RefundRequest":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"status":  stub.refundStatus,
				"message": "refund accepted",
			})
		default:
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
	}))
}

func setupPaymentServiceTest(t *testing.T, baseURL string) (*PaymentService, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:payment_service_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite failed: %v", err)
	}
	if err := db.AutoMigrate(&models.User{}, &models.Payment{}); err != nil {
		t.Fatalf("auto migrate failed: %v", err)
	}
	models.DB = db

	gateway, err := pesapal.NewClient(&pesapal.Config{
		ConsumerKey:    "key",
		ConsumerSecret: "secret",
		BaseURL:        baseURL,
		CallbackURL:    "https://malaika.example.com/payments/callback",
		IPNID:          "ipn-0001",
		RetryDelayMS:   1,
	})
	if err != nil {
		t.Fatalf("new gateway client failed: %v", err)
	}
	queueClient, err := queue.NewClient(nil)
	if err != nil {
		t.Fatalf("new queue client failed: %v", err)
	}

	svc := NewPaymentService(
		repository.NewPaymentRepository(db),
		repository.NewUserRepository(db),
		gateway,
		queueClient,
		config.PaymentConfig{
			Currency:         "KES",
			RefundWindowDays: 365,
			SuccessURL:       "https://malaika.example.com/payments/success",
			FailureURL:       "https://malaika.example.com/payments/failure",
		},
		config.PesapalConfig{RefundUsername: "admin@malaika.example.com"},
	)
	return svc, db
}

func seedPaymentUser(t *testing.T, db *gorm.DB) *models.User {
	t.Helper()
	user := &models.User{
		Email:        fmt.Sprintf("user_%d@example.com", time.Now().UnixNano()),
		PasswordHash: "hash",
		DisplayName:  "Wanjiku",
		Phone:        "+254700000001",
		Status:       constants.UserStatusActive,
	}
	if err := db.Create(user).Error; err != nil {
		t.Fatalf("seed user failed: %v", err)
	}
	return user
}

func seedPendingPayment(t *testing.T, db *gorm.DB, userID uint) *models.Payment {
	t.Helper()
	payment := &models.Payment{
		UserID:            userID,
		PayableKind:       constants.PayableKindApplication,
		PayableID:         42,
		MerchantRef:       fmt.Sprintf("MALAIKA_%d_ab12cd34", time.Now().UnixNano()),
		GatewayTrackingID: fmt.Sprintf("track-%d", time.Now().UnixNano()),
		Amount:            models.NewMoneyFromDecimal(decimal.NewFromInt(150)),
		Currency:          "KES",
		Status:            constants.PaymentStatusPending,
		GatewayLog:        models.JSONList{}.Append(map[string]interface{}{"source": "submit"}),
	}
	if err := db.Create(payment).Error; err != nil {
		t.Fatalf("seed payment failed: %v", err)
	}
	return payment
}

func TestInitiatePaymentCreatesPendingRecord(t *testing.T) {
	server := newPesapalStubServer(t, &pesapalStub{})
	defer server.Close()
	svc, db := setupPaymentServiceTest(t, server.URL)
	user := seedPaymentUser(t, db)

	result, err := svc.InitiatePayment(InitiatePaymentInput{
		UserID:      user.ID,
		PayableKind: constants.PayableKindApplication,
		PayableID:   42,
		Amount:      models.NewMoneyFromDecimal(decimal.NewFromInt(150)),
	})
	if err != nil {
		t.Fatalf("InitiatePayment error: %v", err)
	}
	if result.RedirectURL != "https://pay.example.com/iframe/track-svc-1" {
		t.Fatalf("unexpected redirect url: %s", result.RedirectURL)
	}

	var stored models.Payment
	if err := db.First(&stored, result.Payment.ID).Error; err != nil {
		t.Fatalf("load payment failed: %v", err)
	}
	if stored.Status != constants.PaymentStatusPending {
		t.Fatalf("expected pending, got: %s", stored.Status)
	}
	if stored.GatewayTrackingID != "track-svc-1" {
		t.Fatalf("unexpected tracking id: %s", stored.GatewayTrackingID)
	}
	if !strings.HasPrefix(stored.MerchantRef, "MALAIKA_") {
		t.Fatalf("unexpected merchant ref: %s", stored.MerchantRef)
	}
	if len(stored.GatewayLog) != 1 {
		t.Fatalf("expected 1 gateway log entry, got %d", len(stored.GatewayLog))
	}
}

func TestInitiatePaymentValidation(t *testing.T) {
	server := newPesapalStubServer(t, &pesapalStub{})
	defer server.Close()
	svc, db := setupPaymentServiceTest(t, server.URL)
	user := seedPaymentUser(t, db)

	_, err := svc.InitiatePayment(InitiatePaymentInput{
		UserID:      user.ID,
		PayableKind: "invoice",
		PayableID:   1,
		Amount:      models.NewMoneyFromDecimal(decimal.NewFromInt(10)),
	})
	if !errors.Is(err, ErrPaymentPayableKindInvalid) {
		t.Fatalf("expected ErrPaymentPayableKindInvalid, got: %v", err)
	}

	_, err = svc.InitiatePayment(InitiatePaymentInput{
		UserID:      user.ID,
		PayableKind: constants.PayableKindSponsorship,
		PayableID:   1,
	})
	if !errors.Is(err, ErrPaymentAmountInvalid) {
		t.Fatalf("expected ErrPaymentAmountInvalid, got: %v", err)
	}
}

func TestInitiatePaymentRecipient(t *testing.T) {
	server := newPesapalStubServer(t, &pesapalStub{})
	defer server.Close()
	svc, db := setupPaymentServiceTest(t, server.URL)
	payer := seedPaymentUser(t, db)
	recipient := seedPaymentUser(t, db)

	result, err := svc.InitiatePayment(InitiatePaymentInput{
		UserID:      payer.ID,
		RecipientID: &recipient.ID,
		PayableKind: constants.PayableKindSponsorship,
		PayableID:   7,
		Amount:      models.NewMoneyFromDecimal(decimal.NewFromInt(200)),
	})
	if err != nil {
		t.Fatalf("InitiatePayment error: %v", err)
	}
	if result.Payment.RecipientID == nil || *result.Payment.RecipientID != recipient.ID {
		t.Fatalf("unexpected recipient id: %v", result.Payment.RecipientID)
	}

	// 受益人即付款人时不单独记录
	self, err := svc.InitiatePayment(InitiatePaymentInput{
		UserID:      payer.ID,
		RecipientID: &payer.ID,
		PayableKind: constants.PayableKindSponsorship,
		PayableID:   8,
		Amount:      models.NewMoneyFromDecimal(decimal.NewFromInt(200)),
	})
	if err != nil {
		t.Fatalf("InitiatePayment error: %v", err)
	}
	if self.Payment.RecipientID != nil {
		t.Fatalf("recipient id should be empty, got: %v", *self.Payment.RecipientID)
	}

	missing := uint(99999)
	_, err = svc.InitiatePayment(InitiatePaymentInput{
		UserID:      payer.ID,
		RecipientID: &missing,
		PayableKind: constants.PayableKindSponsorship,
		PayableID:   9,
		Amount:      models.NewMoneyFromDecimal(decimal.NewFromInt(200)),
	})
	if !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got: %v", err)
	}
}

func TestMintMerchantRefFormat(t *testing.T) {
	server := newPesapalStubServer(t, &pesapalStub{})
	defer server.Close()
	svc, _ := setupPaymentServiceTest(t, server.URL)

	ref := svc.mintMerchantRef(time.Unix(1700000000, 0))
	pattern := regexp.MustCompile(`^MALAIKA_1700000000_[0-9a-f]{8}$`)
	if !pattern.MatchString(ref) {
		t.Fatalf("unexpected merchant ref format: %s", ref)
	}
}

func TestHandleCallbackCompletesPayment(t *testing.T) {
	stub := &pesapalStub{statusCode: "1", confirmationCode: "MPESA123", paymentMethod: "MpesaKE"}
	server := newPesapalStubServer(t, stub)
	defer server.Close()
	svc, db := setupPaymentServiceTest(t, server.URL)
	user := seedPaymentUser(t, db)
	payment := seedPendingPayment(t, db, user.ID)

	result, err := svc.HandleCallback(HandleCallbackInput{MerchantRef: payment.MerchantRef})
	if err != nil {
		t.Fatalf("HandleCallback error: %v", err)
	}
	if result.Payment.Status != constants.PaymentStatusCompleted {
		t.Fatalf("expected completed, got: %s", result.Payment.Status)
	}
	if result.Payment.ProcessedAt == nil {
		t.Fatal("ProcessedAt should be set")
	}
	if result.Payment.ConfirmationCode != "MPESA123" {
		t.Fatalf("unexpected confirmation code: %s", result.Payment.ConfirmationCode)
	}
	if result.Payment.PaymentMethod != "MpesaKE" {
		t.Fatalf("unexpected payment method: %s", result.Payment.PaymentMethod)
	}
	if !strings.HasPrefix(result.RedirectURL, "https://malaika.example.com/payments/success") {
		t.Fatalf("unexpected redirect url: %s", result.RedirectURL)
	}
	if len(result.Payment.GatewayLog) != 2 {
		t.Fatalf("expected 2 gateway log entries, got %d", len(result.Payment.GatewayLog))
	}
}

func TestHandleCallbackIdempotent(t *testing.T) {
	stub := &pesapalStub{statusCode: "1", confirmationCode: "MPESA123"}
	server := newPesapalStubServer(t, stub)
	defer server.Close()
	svc, db := setupPaymentServiceTest(t, server.URL)
	user := seedPaymentUser(t, db)
	payment := seedPendingPayment(t, db, user.ID)

	first, err := svc.HandleCallback(HandleCallbackInput{MerchantRef: payment.MerchantRef})
	if err != nil {
		t.Fatalf("first HandleCallback error: %v", err)
	}
	second, err := svc.HandleCallback(HandleCallbackInput{MerchantRef: payment.MerchantRef})
	if err != nil {
		t.Fatalf("second HandleCallback error: %v", err)
	}
	if second.Payment.Status != constants.PaymentStatusCompleted {
		t.Fatalf("expected completed, got: %s", second.Payment.Status)
	}
	if !second.Payment.ProcessedAt.Equal(*first.Payment.ProcessedAt) {
		t.Fatal("ProcessedAt should not change on replay")
	}
	if len(second.Payment.GatewayLog) != len(first.Payment.GatewayLog)+1 {
		t.Fatalf("expected exactly one more log entry, got %d then %d",
			len(first.Payment.GatewayLog), len(second.Payment.GatewayLog))
	}
}

func TestHandleCallbackFailedStatusRedirectsToFailure(t *testing.T) {
	stub := &pesapalStub{statusCode: "2"}
	server := newPesapalStubServer(t, stub)
	defer server.Close()
	svc, db := setupPaymentServiceTest(t, server.URL)
	user := seedPaymentUser(t, db)
	payment := seedPendingPayment(t, db, user.ID)

	result, err := svc.HandleCallback(HandleCallbackInput{MerchantRef: payment.MerchantRef})
	if err != nil {
		t.Fatalf("HandleCallback error: %v", err)
	}
	if result.Payment.Status != constants.PaymentStatusFailed {
		t.Fatalf("expected failed, got: %s", result.Payment.Status)
	}
	if result.Payment.ProcessedAt != nil {
		t.Fatal("ProcessedAt should stay empty for failed payment")
	}
	if !strings.HasPrefix(result.RedirectURL, "https://malaika.example.com/payments/failure") {
		t.Fatalf("unexpected redirect url: %s", result.RedirectURL)
	}
}

func TestHandleIPNUnknownTrackingIDAcks(t *testing.T) {
	server := newPesapalStubServer(t, &pesapalStub{statusCode: "1"})
	defer server.Close()
	svc, _ := setupPaymentServiceTest(t, server.URL)

	if err := svc.HandleIPN(HandleIPNInput{TrackingID: "track-missing"}); err != nil {
		t.Fatalf("unknown tracking id should be acknowledged, got: %v", err)
	}
}

func TestHandleIPNCompletesPayment(t *testing.T) {
	stub := &pesapalStub{statusCode: "1", confirmationCode: "MPESA999"}
	server := newPesapalStubServer(t, stub)
	defer server.Close()
	svc, db := setupPaymentServiceTest(t, server.URL)
	user := seedPaymentUser(t, db)
	payment := seedPendingPayment(t, db, user.ID)

	if err := svc.HandleIPN(HandleIPNInput{TrackingID: payment.GatewayTrackingID}); err != nil {
		t.Fatalf("HandleIPN error: %v", err)
	}
	var stored models.Payment
	if err := db.First(&stored, payment.ID).Error; err != nil {
		t.Fatalf("load payment failed: %v", err)
	}
	if stored.Status != constants.PaymentStatusCompleted {
		t.Fatalf("expected completed, got: %s", stored.Status)
	}
}

func TestReconcileChannelOrderIndependence(t *testing.T) {
	stub := &pesapalStub{statusCode: "1", confirmationCode: "MPESA555", paymentMethod: "MpesaKE"}
	server := newPesapalStubServer(t, stub)
	defer server.Close()
	svc, db := setupPaymentServiceTest(t, server.URL)
	user := seedPaymentUser(t, db)

	// IPN 先到，回跳后到
	first := seedPendingPayment(t, db, user.ID)
	if err := svc.HandleIPN(HandleIPNInput{TrackingID: first.GatewayTrackingID}); err != nil {
		t.Fatalf("HandleIPN error: %v", err)
	}
	var afterIPN models.Payment
	if err := db.First(&afterIPN, first.ID).Error; err != nil {
		t.Fatalf("load payment failed: %v", err)
	}
	if afterIPN.Status != constants.PaymentStatusCompleted {
		t.Fatalf("expected completed after ipn, got: %s", afterIPN.Status)
	}
	if afterIPN.ProcessedAt == nil {
		t.Fatal("ProcessedAt should be set by ipn reconcile")
	}
	if len(afterIPN.GatewayLog) != 2 {
		t.Fatalf("expected 2 gateway log entries after ipn, got %d", len(afterIPN.GatewayLog))
	}
	cbResult, err := svc.HandleCallback(HandleCallbackInput{MerchantRef: first.MerchantRef})
	if err != nil {
		t.Fatalf("HandleCallback error: %v", err)
	}
	if cbResult.Payment.Status != constants.PaymentStatusCompleted {
		t.Fatalf("expected completed after callback, got: %s", cbResult.Payment.Status)
	}
	if !cbResult.Payment.ProcessedAt.Equal(*afterIPN.ProcessedAt) {
		t.Fatal("ProcessedAt must not change when the callback arrives second")
	}
	if len(cbResult.Payment.GatewayLog) != 3 {
		t.Fatalf("expected 3 gateway log entries, got %d", len(cbResult.Payment.GatewayLog))
	}

	// 回跳先到，IPN 后到
	second := seedPendingPayment(t, db, user.ID)
	cbFirst, err := svc.HandleCallback(HandleCallbackInput{MerchantRef: second.MerchantRef})
	if err != nil {
		t.Fatalf("HandleCallback error: %v", err)
	}
	if cbFirst.Payment.ProcessedAt == nil {
		t.Fatal("ProcessedAt should be set by callback reconcile")
	}
	if err := svc.HandleIPN(HandleIPNInput{TrackingID: second.GatewayTrackingID}); err != nil {
		t.Fatalf("HandleIPN error: %v", err)
	}
	var afterBoth models.Payment
	if err := db.First(&afterBoth, second.ID).Error; err != nil {
		t.Fatalf("load payment failed: %v", err)
	}
	if afterBoth.Status != cbResult.Payment.Status {
		t.Fatalf("channel order changed final status: %s vs %s", afterBoth.Status, cbResult.Payment.Status)
	}
	if !afterBoth.ProcessedAt.Equal(*cbFirst.Payment.ProcessedAt) {
		t.Fatal("ProcessedAt must not change when the ipn arrives second")
	}
	if len(afterBoth.GatewayLog) != 3 {
		t.Fatalf("expected 3 gateway log entries, got %d", len(afterBoth.GatewayLog))
	}
}

func TestRefreshStatusDoesNotRegressCompleted(t *testing.T) {
	stub := &pesapalStub{statusCode: "1", confirmationCode: "MPESA123"}
	server := newPesapalStubServer(t, stub)
	defer server.Close()
	svc, db := setupPaymentServiceTest(t, server.URL)
	user := seedPaymentUser(t, db)
	payment := seedPendingPayment(t, db, user.ID)

	completed, err := svc.RefreshStatus(nil, payment.ID)
	if err != nil {
		t.Fatalf("RefreshStatus error: %v", err)
	}
	if completed.Status != constants.PaymentStatusCompleted {
		t.Fatalf("expected completed, got: %s", completed.Status)
	}

	// 网关此后返回失败也不允许回退终态
	stub.statusCode = "2"
	refreshed, err := svc.RefreshStatus(nil, payment.ID)
	if err != nil {
		t.Fatalf("RefreshStatus error: %v", err)
	}
	if refreshed.Status != constants.PaymentStatusCompleted {
		t.Fatalf("completed payment regressed to: %s", refreshed.Status)
	}
	if len(refreshed.GatewayLog) != len(completed.GatewayLog)+1 {
		t.Fatalf("expected one more audit entry, got %d then %d",
			len(completed.GatewayLog), len(refreshed.GatewayLog))
	}
}

func TestGetPaymentAccessControl(t *testing.T) {
	server := newPesapalStubServer(t, &pesapalStub{})
	defer server.Close()
	svc, db := setupPaymentServiceTest(t, server.URL)
	user := seedPaymentUser(t, db)
	other := seedPaymentUser(t, db)
	payment := seedPendingPayment(t, db, user.ID)

	if _, err := svc.GetPayment(GetPaymentInput{PaymentID: payment.ID, UserID: other.ID}); !errors.Is(err, ErrPaymentAccessDenied) {
		t.Fatalf("expected ErrPaymentAccessDenied, got: %v", err)
	}
	got, err := svc.GetPayment(GetPaymentInput{PaymentID: payment.ID, UserID: user.ID})
	if err != nil {
		t.Fatalf("owner GetPayment error: %v", err)
	}
	if err := db.Model(payment).UpdateColumn("recipient_id", other.ID).Error; err != nil {
		t.Fatalf("set recipient failed: %v", err)
	}
	if _, err := svc.GetPayment(GetPaymentInput{PaymentID: payment.ID, UserID: other.ID}); err != nil {
		t.Fatalf("recipient GetPayment error: %v", err)
	}
	if got.ID != payment.ID {
		t.Fatalf("unexpected payment: %d", got.ID)
	}
	if _, err := svc.GetPayment(GetPaymentInput{PaymentID: payment.ID, IsAdmin: true}); err != nil {
		t.Fatalf("admin GetPayment error: %v", err)
	}
}

func TestRefundPaymentPartialThenFull(t *testing.T) {
	stub := &pesapalStub{refundStatus: "200"}
	server := newPesapalStubServer(t, stub)
	defer server.Close()
	svc, db := setupPaymentServiceTest(t, server.URL)
	user := seedPaymentUser(t, db)

	now := time.Now()
	payment := seedPendingPayment(t, db, user.ID)
	if err := db.Model(payment).Updates(map[string]interface{}{
		"status":            constants.PaymentStatusCompleted,
		"confirmation_code": "MPESA123",
		"processed_at":      now,
	}).Error; err != nil {
		t.Fatalf("mark completed failed: %v", err)
	}

	partial, err := svc.RefundPayment(RefundPaymentInput{
		PaymentID: payment.ID,
		Amount:    models.NewMoneyFromDecimal(decimal.NewFromInt(50)),
		Remarks:   "partial adjustment",
	})
	if err != nil {
		t.Fatalf("partial refund error: %v", err)
	}
	if partial.Status != constants.PaymentStatusPartiallyRefunded {
		t.Fatalf("expected partially_refunded, got: %s", partial.Status)
	}
	if partial.RefundedAmount.String() != "50.00" {
		t.Fatalf("unexpected refunded amount: %s", partial.RefundedAmount.String())
	}

	// 超出剩余可退金额应拒绝而不是截断
	_, err = svc.RefundPayment(RefundPaymentInput{
		PaymentID: payment.ID,
		Amount:    models.NewMoneyFromDecimal(decimal.NewFromInt(200)),
	})
	if !errors.Is(err, ErrPaymentRefundAmountInvalid) {
		t.Fatalf("expected ErrPaymentRefundAmountInvalid, got: %v", err)
	}

	full, err := svc.RefundPayment(RefundPaymentInput{
		PaymentID: payment.ID,
		Amount:    models.NewMoneyFromDecimal(decimal.NewFromInt(100)),
	})
	if err != nil {
		t.Fatalf("full refund error: %v", err)
	}
	if full.Status != constants.PaymentStatusRefunded {
		t.Fatalf("expected refunded, got: %s", full.Status)
	}
	if full.RefundedAmount.String() != "150.00" {
		t.Fatalf("unexpected refunded amount: %s", full.RefundedAmount.String())
	}
	if full.RefundedAt == nil {
		t.Fatal("RefundedAt should be set")
	}

	_, err = svc.RefundPayment(RefundPaymentInput{
		PaymentID: payment.ID,
		Amount:    models.NewMoneyFromDecimal(decimal.NewFromInt(1)),
	})
	if !errors.Is(err, ErrPaymentNotRefundable) {
		t.Fatalf("expected ErrPaymentNotRefundable after full refund, got: %v", err)
	}
}

func TestSweepStalePendingOnlyPicksStalePayments(t *testing.T) {
	server := newPesapalStubServer(t, &pesapalStub{})
	defer server.Close()
	svc, db := setupPaymentServiceTest(t, server.URL)
	user := seedPaymentUser(t, db)

	stale := seedPendingPayment(t, db, user.ID)
	if err := db.Model(stale).UpdateColumn("updated_at", time.Now().Add(-time.Hour)).Error; err != nil {
		t.Fatalf("age payment failed: %v", err)
	}
	seedPendingPayment(t, db, user.ID)

	completed := seedPendingPayment(t, db, user.ID)
	if err := db.Model(completed).UpdateColumns(map[string]interface{}{
		"status":     constants.PaymentStatusCompleted,
		"updated_at": time.Now().Add(-time.Hour),
	}).Error; err != nil {
		t.Fatalf("mark completed failed: %v", err)
	}

	count, err := svc.SweepStalePending(15*time.Minute, 10)
	if err != nil {
		t.Fatalf("SweepStalePending error: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 stale payment swept, got %d", count)
	}
}

func TestRefundPaymentWindowAndStatusChecks(t *testing.T) {
	stub := &pesapalStub{refundStatus: "200"}
	server := newPesapalStubServer(t, stub)
	defer server.Close()
	svc, db := setupPaymentServiceTest(t, server.URL)
	user := seedPaymentUser(t, db)

	pending := seedPendingPayment(t, db, user.ID)
	_, err := svc.RefundPayment(RefundPaymentInput{
		PaymentID: pending.ID,
		Amount:    models.NewMoneyFromDecimal(decimal.NewFromInt(10)),
	})
	if !errors.Is(err, ErrPaymentNotRefundable) {
		t.Fatalf("expected ErrPaymentNotRefundable for pending payment, got: %v", err)
	}

	expired := seedPendingPayment(t, db, user.ID)
	staleCreatedAt := time.Now().AddDate(0, 0, -400)
	if err := db.Model(expired).Updates(map[string]interface{}{
		"status":            constants.PaymentStatusCompleted,
		"confirmation_code": "MPESA777",
		"created_at":        staleCreatedAt,
		"processed_at":      time.Now(),
	}).Error; err != nil {
		t.Fatalf("mark completed failed: %v", err)
	}
	_, err = svc.RefundPayment(RefundPaymentInput{
		PaymentID: expired.ID,
		Amount:    models.NewMoneyFromDecimal(decimal.NewFromInt(10)),
	})
	if !errors.Is(err, ErrPaymentRefundWindowExpired) {
		t.Fatalf("expected ErrPaymentRefundWindowExpired, got: %v", err)
	}
}
