package flows

import (
	"context"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"time"

	"github.com/Angel-Anselmo/NestPay-sub000/models"
	"gorm.io/gorm"
)

var (
	ErrFlowNotFound = errors.New("flow not found")
	// ErrStaleFlow means another writer moved the flow first.
	ErrStaleFlow = errors.New("flow was modified concurrently")
)

// Repository persists the PaymentFlow projection.
type Repository interface {
	Create(ctx context.Context, f *models.PaymentFlow) error
	// Transition saves f only if its stored status still is from.
	Transition(ctx context.Context, f *models.PaymentFlow, from models.FlowStatus) error
	Get(ctx context.Context, id string) (*models.PaymentFlow, error)
	GetByStateToken(ctx context.Context, stateToken string) (*models.PaymentFlow, error)
	Update(ctx context.Context, f *models.PaymentFlow) error
	ListAbandoned(ctx context.Context, now time.Time, limit int) ([]models.PaymentFlow, error)
}

type GormRepository struct {
	db *gorm.DB
}

func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{db: db}
}

// HashStateToken is the only form of the state token that is stored.
func HashStateToken(stateToken string) string {
	sum := sha512.Sum512([]byte(stateToken))
	return hex.EncodeToString(sum[:])
}

func (r *GormRepository) Create(ctx context.Context, f *models.PaymentFlow) error {
	return r.db.WithContext(ctx).Create(f).Error
}

func (r *GormRepository) Transition(ctx context.Context, f *models.PaymentFlow, from models.FlowStatus) error {
	result := r.db.WithContext(ctx).
		Model(f).
		Where("status = ?", from).
		Select("*").
		Omit("created_at").
		Updates(f)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrStaleFlow
	}
	return nil
}

func (r *GormRepository) Update(ctx context.Context, f *models.PaymentFlow) error {
	return r.db.WithContext(ctx).Model(f).Select("*").Omit("created_at").Updates(f).Error
}

func (r *GormRepository) Get(ctx context.Context, id string) (*models.PaymentFlow, error) {
	return r.first(ctx, "id = ?", id)
}

func (r *GormRepository) GetByStateToken(ctx context.Context, stateToken string) (*models.PaymentFlow, error) {
	return r.first(ctx, "state_token_hash = ?", HashStateToken(stateToken))
}

func (r *GormRepository) first(ctx context.Context, where string, args ...interface{}) (*models.PaymentFlow, error) {
	var f models.PaymentFlow
	if err := r.db.WithContext(ctx).Where(where, args...).First(&f).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrFlowNotFound
		}
		return nil, err
	}
	return &f, nil
}

// ListAbandoned returns flows still waiting for the human after their expiry.
func (r *GormRepository) ListAbandoned(ctx context.Context, now time.Time, limit int) ([]models.PaymentFlow, error) {
	var out []models.PaymentFlow
	err := r.db.WithContext(ctx).
		Where("status = ? AND expires_at IS NOT NULL AND expires_at <= ?", models.FLOW_AUTHORIZATION_PENDING, now).
		Order("expires_at").
		Limit(limit).
		Find(&out).Error
	return out, err
}
