package repository

import (
	"errors"
	"strings"
	"time"

	"github.com/malaika-next/internal/models"

	"gorm.io/gorm"
)

// PaymentRepository 支付数据访问接口
type PaymentRepository interface {
	Create(payment *models.Payment) error
	Update(payment *models.Payment) error
	GetByID(id uint) (*models.Payment, error)
	GetByMerchantRef(merchantRef string) (*models.Payment, error)
	GetByTrackingID(trackingID string) (*models.Payment, error)
	ListByUser(userID uint, page, pageSize int) ([]models.Payment, int64, error)
	ListByPayable(kind string, payableID uint) ([]models.Payment, error)
	ListAdmin(filter PaymentListFilter) ([]models.Payment, int64, error)
	ListStalePending(before time.Time, limit int) ([]models.Payment, error)
	WithTx(tx *gorm.DB) *GormPaymentRepository
}

// GormPaymentRepository GORM 实现
type GormPaymentRepository struct {
	db *gorm.DB
}

// NewPaymentRepository 创建支付仓库
func NewPaymentRepository(db *gorm.DB) *GormPaymentRepository {
	return &GormPaymentRepository{db: db}
}

// WithTx 绑定事务
func (r *GormPaymentRepository) WithTx(tx *gorm.DB) *GormPaymentRepository {
	if tx == nil {
		return r
	}
	return &GormPaymentRepository{db: tx}
}

// Create 创建支付记录
func (r *GormPaymentRepository) Create(payment *models.Payment) error {
	return r.db.Create(payment).Error
}

// Update 更新支付记录
func (r *GormPaymentRepository) Update(payment *models.Payment) error {
	return r.db.Save(payment).Error
}

// GetByID 根据 ID 获取支付记录
func (r *GormPaymentRepository) GetByID(id uint) (*models.Payment, error) {
	var payment models.Payment
	if err := r.db.First(&payment, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &payment, nil
}

// GetByMerchantRef 根据商户参考号获取支付记录
func (r *GormPaymentRepository) GetByMerchantRef(merchantRef string) (*models.Payment, error) {
	merchantRef = strings.TrimSpace(merchantRef)
	if merchantRef == "" {
		return nil, nil
	}
	var payment models.Payment
	result := r.db.Where("merchant_ref = ?", merchantRef).Limit(1).Find(&payment)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &payment, nil
}

// GetByTrackingID 根据网关跟踪ID获取最新支付记录
func (r *GormPaymentRepository) GetByTrackingID(trackingID string) (*models.Payment, error) {
	trackingID = strings.TrimSpace(trackingID)
	if trackingID == "" {
		return nil, nil
	}
	var payment models.Payment
	result := r.db.Where("gateway_tracking_id = ?", trackingID).Order("id desc").Limit(1).Find(&payment)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &payment, nil
}

// ListByUser 获取用户支付历史
func (r *GormPaymentRepository) ListByUser(userID uint, page, pageSize int) ([]models.Payment, int64, error) {
	query := r.db.Model(&models.Payment{}).Where("user_id = ?", userID)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	query = applyPagination(query, page, pageSize)

	var payments []models.Payment
	if err := query.Order("id desc").Find(&payments).Error; err != nil {
		return nil, 0, err
	}
	return payments, total, nil
}

// ListByPayable 获取业务对象关联的支付记录
func (r *GormPaymentRepository) ListByPayable(kind string, payableID uint) ([]models.Payment, error) {
	var payments []models.Payment
	if err := r.db.Where("payable_kind = ? AND payable_id = ?", kind, payableID).Order("id desc").Find(&payments).Error; err != nil {
		return nil, err
	}
	return payments, nil
}

// ListStalePending 获取超过给定时间仍为 pending 的支付记录
func (r *GormPaymentRepository) ListStalePending(before time.Time, limit int) ([]models.Payment, error) {
	if limit <= 0 {
		limit = 100
	}
	var payments []models.Payment
	err := r.db.Where("status = ? AND updated_at < ? AND gateway_tracking_id <> ''", "pending", before).
		Order("id asc").Limit(limit).Find(&payments).Error
	if err != nil {
		return nil, err
	}
	return payments, nil
}

// ListAdmin 管理端支付列表
func (r *GormPaymentRepository) ListAdmin(filter PaymentListFilter) ([]models.Payment, int64, error) {
	query := r.db.Model(&models.Payment{})

	if filter.UserID != 0 {
		query = query.Where("user_id = ?", filter.UserID)
	}
	if filter.PayableKind != "" {
		query = query.Where("payable_kind = ?", filter.PayableKind)
	}
	if filter.PayableID != 0 {
		query = query.Where("payable_id = ?", filter.PayableID)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.MerchantRef != "" {
		query = query.Where("merchant_ref = ?", filter.MerchantRef)
	}
	if filter.TrackingID != "" {
		query = query.Where("gateway_tracking_id = ?", filter.TrackingID)
	}
	if filter.CreatedFrom != nil {
		query = query.Where("created_at >= ?", *filter.CreatedFrom)
	}
	if filter.CreatedTo != nil {
		query = query.Where("created_at <= ?", *filter.CreatedTo)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	query = applyPagination(query, filter.Page, filter.PageSize)

	var payments []models.Payment
	if err := query.Order("id desc").Find(&payments).Error; err != nil {
		return nil, 0, err
	}
	return payments, total, nil
}
