//go:build integration
// +build integration

package repository

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/malaika-next/internal/constants"
	"github.com/malaika-next/internal/models"

	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// setupPostgresIntegrationDB 初始化 PostgreSQL 集成测试数据库。
func setupPostgresIntegrationDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := strings.TrimSpace(os.Getenv("TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("skip postgres integration test: TEST_POSTGRES_DSN is empty")
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open postgres failed: %v", err)
	}

	cleanupModels := []interface{}{
		&models.Payment{},
		&models.User{},
	}
	_ = db.Migrator().DropTable(cleanupModels...)

	if err := db.AutoMigrate(
		&models.User{},
		&models.Payment{},
	); err != nil {
		t.Fatalf("migrate postgres models failed: %v", err)
	}

	t.Cleanup(func() {
		_ = db.Migrator().DropTable(cleanupModels...)
		sqlDB, err := db.DB()
		if err == nil {
			_ = sqlDB.Close()
		}
	})

	return db
}

func TestPostgresPaymentRepositoryRoundTrip(t *testing.T) {
	db := setupPostgresIntegrationDB(t)
	repo := NewPaymentRepository(db)
	now := time.Now().UTC().Truncate(time.Second)

	payment := &models.Payment{
		UserID:            11,
		PayableKind:       constants.PayableKindApplication,
		PayableID:         42,
		MerchantRef:       "MALAIKA_1700000900_pgpgpgpg",
		GatewayTrackingID: "pg-track-001",
		Amount:            models.NewMoneyFromDecimal(decimal.NewFromInt(1200)),
		RefundedAmount:    models.NewMoneyFromDecimal(decimal.Zero),
		Currency:          "KES",
		Status:            constants.PaymentStatusPending,
		GatewayLog: models.JSONList{
			{"source": constants.ReconcileSourceQuery, "status_code": "0"},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := repo.Create(payment); err != nil {
		t.Fatalf("create payment failed: %v", err)
	}

	found, err := repo.GetByMerchantRef(payment.MerchantRef)
	if err != nil {
		t.Fatalf("get by merchant ref failed: %v", err)
	}
	if found == nil {
		t.Fatal("expected payment, got nil")
	}
	if len(found.GatewayLog) != 1 {
		t.Fatalf("gateway log len want 1 got %d", len(found.GatewayLog))
	}

	found.Status = constants.PaymentStatusCompleted
	found.GatewayLog = found.GatewayLog.Append(map[string]interface{}{
		"source":      constants.ReconcileSourceCallback,
		"status_code": constants.GatewayStatusCodeCompleted,
	})
	if err := repo.Update(found); err != nil {
		t.Fatalf("update payment failed: %v", err)
	}

	again, err := repo.GetByTrackingID("pg-track-001")
	if err != nil {
		t.Fatalf("get by tracking id failed: %v", err)
	}
	if again == nil || again.Status != constants.PaymentStatusCompleted {
		t.Fatalf("expected completed payment, got %+v", again)
	}
	if len(again.GatewayLog) != 2 {
		t.Fatalf("gateway log len want 2 got %d", len(again.GatewayLog))
	}
}
