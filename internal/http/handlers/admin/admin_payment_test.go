package admin

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/malaika-next/internal/config"
	"github.com/malaika-next/internal/constants"
	"github.com/malaika-next/internal/models"
	"github.com/malaika-next/internal/provider"
	"github.com/malaika-next/internal/repository"
	"github.com/malaika-next/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type adminPaymentFixture struct {
	User1ID            uint
	User2ID            uint
	CompletedPaymentID uint
	PendingPaymentID   uint
	User2PaymentID     uint
}

func setupAdminPaymentHandlerTest(t *testing.T) (*Handler, *gorm.DB) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:admin_payment_handler_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite failed: %v", err)
	}
	if err := db.AutoMigrate(
		&models.User{},
		&models.Payment{},
	); err != nil {
		t.Fatalf("auto migrate failed: %v", err)
	}

	paymentRepo := repository.NewPaymentRepository(db)
	userRepo := repository.NewUserRepository(db)
	paymentService := service.NewPaymentService(paymentRepo, userRepo, nil, nil, config.PaymentConfig{
		Currency: "KES",
	}, config.PesapalConfig{})

	h := &Handler{Container: &provider.Container{
		PaymentService: paymentService,
		UserRepo:       userRepo,
	}}
	return h, db
}

func seedAdminPaymentData(t *testing.T, db *gorm.DB) adminPaymentFixture {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Second)

	user1 := models.User{
		Email:        "admin_handler_user1@example.com",
		PasswordHash: "hash",
		Status:       constants.UserStatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	user2 := models.User{
		Email:        "admin_handler_user2@example.com",
		PasswordHash: "hash",
		Status:       constants.UserStatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := db.Create(&user1).Error; err != nil {
		t.Fatalf("create user1 failed: %v", err)
	}
	if err := db.Create(&user2).Error; err != nil {
		t.Fatalf("create user2 failed: %v", err)
	}

	processedAt := now.Add(time.Minute)
	completed := models.Payment{
		UserID:            user1.ID,
		PayableKind:       constants.PayableKindApplication,
		PayableID:         11,
		MerchantRef:       "MLK-ADMIN-001",
		GatewayTrackingID: "track-admin-001",
		ConfirmationCode:  "CONF-001",
		Amount:            models.NewMoneyFromDecimal(decimal.NewFromInt(1500)),
		RefundedAmount:    models.NewMoneyFromDecimal(decimal.Zero),
		Currency:          "KES",
		Status:            constants.PaymentStatusCompleted,
		PaymentMethod:     "MPESA",
		CreatedAt:         now,
		UpdatedAt:         now,
		ProcessedAt:       &processedAt,
	}
	if err := db.Create(&completed).Error; err != nil {
		t.Fatalf("create completed payment failed: %v", err)
	}

	pending := models.Payment{
		UserID:         user1.ID,
		PayableKind:    constants.PayableKindSponsorship,
		PayableID:      22,
		MerchantRef:    "MLK-ADMIN-002",
		Amount:         models.NewMoneyFromDecimal(decimal.NewFromInt(500)),
		RefundedAmount: models.NewMoneyFromDecimal(decimal.Zero),
		Currency:       "KES",
		Status:         constants.PaymentStatusPending,
		CreatedAt:      now.Add(time.Second),
		UpdatedAt:      now.Add(time.Second),
	}
	if err := db.Create(&pending).Error; err != nil {
		t.Fatalf("create pending payment failed: %v", err)
	}

	user2Payment := models.Payment{
		UserID:         user2.ID,
		PayableKind:    constants.PayableKindApplication,
		PayableID:      33,
		MerchantRef:    "MLK-ADMIN-003",
		Amount:         models.NewMoneyFromDecimal(decimal.NewFromInt(800)),
		RefundedAmount: models.NewMoneyFromDecimal(decimal.Zero),
		Currency:       "KES",
		Status:         constants.PaymentStatusPending,
		CreatedAt:      now.Add(2 * time.Second),
		UpdatedAt:      now.Add(2 * time.Second),
	}
	if err := db.Create(&user2Payment).Error; err != nil {
		t.Fatalf("create user2 payment failed: %v", err)
	}

	return adminPaymentFixture{
		User1ID:            user1.ID,
		User2ID:            user2.ID,
		CompletedPaymentID: completed.ID,
		PendingPaymentID:   pending.ID,
		User2PaymentID:     user2Payment.ID,
	}
}

func TestBuildAdminPaymentFilterInvalidUserID(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/admin/payments?user_id=bad", nil)

	_, err := buildAdminPaymentFilter(c, 1, 20)
	if err == nil {
		t.Fatalf("expected invalid user_id error")
	}
}

func TestGetAdminPaymentsFiltersByUserID(t *testing.T) {
	h, db := setupAdminPaymentHandlerTest(t)
	fixture := seedAdminPaymentData(t, db)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	url := fmt.Sprintf("/admin/payments?user_id=%d&page=1&page_size=20", fixture.User1ID)
	c.Request = httptest.NewRequest(http.MethodGet, url, nil)

	h.GetAdminPayments(c)

	if w.Code != http.StatusOK {
		t.Fatalf("status want 200 got %d", w.Code)
	}

	var resp struct {
		StatusCode int                      `json:"status_code"`
		Pagination responsePaginationAssert `json:"pagination"`
		Data       []map[string]interface{} `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response failed: %v", err)
	}
	if resp.StatusCode != 0 {
		t.Fatalf("status_code want 0 got %d", resp.StatusCode)
	}
	if resp.Pagination.Total != 2 {
		t.Fatalf("pagination total want 2 got %d", resp.Pagination.Total)
	}
	if len(resp.Data) != 2 {
		t.Fatalf("data len want 2 got %d", len(resp.Data))
	}

	gotIDs := map[uint]struct{}{}
	for _, row := range resp.Data {
		idRaw, ok := row["id"].(float64)
		if !ok {
			t.Fatalf("row id missing or invalid: %+v", row)
		}
		gotIDs[uint(idRaw)] = struct{}{}
	}
	if _, ok := gotIDs[fixture.CompletedPaymentID]; !ok {
		t.Fatalf("missing completed payment id %d", fixture.CompletedPaymentID)
	}
	if _, ok := gotIDs[fixture.User2PaymentID]; ok {
		t.Fatalf("unexpected user2 payment id %d", fixture.User2PaymentID)
	}
}

func TestGetAdminPaymentsFiltersByStatus(t *testing.T) {
	h, db := setupAdminPaymentHandlerTest(t)
	fixture := seedAdminPaymentData(t, db)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/admin/payments?status=completed", nil)

	h.GetAdminPayments(c)

	var resp struct {
		StatusCode int                      `json:"status_code"`
		Data       []map[string]interface{} `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response failed: %v", err)
	}
	if resp.StatusCode != 0 {
		t.Fatalf("status_code want 0 got %d", resp.StatusCode)
	}
	if len(resp.Data) != 1 {
		t.Fatalf("data len want 1 got %d", len(resp.Data))
	}
	if id := uint(resp.Data[0]["id"].(float64)); id != fixture.CompletedPaymentID {
		t.Fatalf("payment id want %d got %d", fixture.CompletedPaymentID, id)
	}
}

func TestExportAdminPaymentsByUserID(t *testing.T) {
	h, db := setupAdminPaymentHandlerTest(t)
	fixture := seedAdminPaymentData(t, db)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	url := fmt.Sprintf("/admin/payments/export?user_id=%d", fixture.User1ID)
	c.Request = httptest.NewRequest(http.MethodGet, url, nil)

	h.ExportAdminPayments(c)

	if w.Code != http.StatusOK {
		t.Fatalf("status want 200 got %d", w.Code)
	}
	if contentType := strings.TrimSpace(w.Header().Get("Content-Type")); !strings.HasPrefix(contentType, "text/csv") {
		t.Fatalf("content-type should be csv, got %s", contentType)
	}

	records, err := csv.NewReader(strings.NewReader(w.Body.String())).ReadAll()
	if err != nil {
		t.Fatalf("read csv failed: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("csv rows want 3 got %d", len(records))
	}
	header := strings.Join(records[0], ",")
	if header != "id,user_id,payable_kind,payable_id,merchant_ref,tracking_id,status,amount,refunded_amount,currency,payment_method,confirmation_code,created_at,processed_at,refunded_at" {
		t.Fatalf("csv header mismatch, got %s", header)
	}

	foundMerchantRef := false
	for _, row := range records[1:] {
		if len(row) < 5 {
			t.Fatalf("csv row columns too short: %+v", row)
		}
		if row[4] == "MLK-ADMIN-001" {
			foundMerchantRef = true
		}
		if row[4] == "MLK-ADMIN-003" {
			t.Fatalf("csv should not include user2 payment")
		}
	}
	if !foundMerchantRef {
		t.Fatalf("csv missing completed payment row")
	}
}

type responsePaginationAssert struct {
	Page      int   `json:"page"`
	PageSize  int   `json:"page_size"`
	Total     int64 `json:"total"`
	TotalPage int64 `json:"total_page"`
}

func TestParseAdminPaymentQueryUint(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/admin/payments?user_id=12", nil)

	parsed, err := parseAdminPaymentQueryUint(c, "user_id")
	if err != nil {
		t.Fatalf("parse user_id failed: %v", err)
	}
	if parsed != 12 {
		t.Fatalf("parsed user_id want 12 got %d", parsed)
	}

	w, c = httptest.NewRecorder(), nil
	c, _ = gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/admin/payments?user_id=0", nil)
	_, err = parseAdminPaymentQueryUint(c, "user_id")
	if err == nil {
		t.Fatalf("expected parse error for user_id=0")
	}

	w, c = httptest.NewRecorder(), nil
	c, _ = gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/admin/payments", nil)
	parsed, err = parseAdminPaymentQueryUint(c, "user_id")
	if err != nil {
		t.Fatalf("unexpected error for empty query: %v", err)
	}
	if parsed != 0 {
		t.Fatalf("parsed empty user_id want 0 got %d", parsed)
	}
}

func TestGetAdminPaymentsBadQueryReturnsBadRequestCode(t *testing.T) {
	h, _ := setupAdminPaymentHandlerTest(t)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/admin/payments?payable_id=abc", nil)

	h.GetAdminPayments(c)

	if w.Code != http.StatusOK {
		t.Fatalf("status want 200 got %d", w.Code)
	}
	var resp struct {
		StatusCode int `json:"status_code"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response failed: %v", err)
	}
	if resp.StatusCode != 400 {
		t.Fatalf("status_code want 400 got %d", resp.StatusCode)
	}
}

func TestRefundAdminPaymentInvalidID(t *testing.T) {
	h, _ := setupAdminPaymentHandlerTest(t)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Params = gin.Params{{Key: "id", Value: "abc"}}
	c.Request = httptest.NewRequest(http.MethodPost, "/admin/payments/abc/refund", nil)

	h.RefundAdminPayment(c)

	var resp struct {
		StatusCode int `json:"status_code"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response failed: %v", err)
	}
	if resp.StatusCode != 400 {
		t.Fatalf("status_code want 400 got %d", resp.StatusCode)
	}
}
