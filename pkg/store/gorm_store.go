package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"drawgallery/pkg/domain"
)

const migrateLockID int64 = 48125761

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         gormLog,
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&UserModel{}, &QuotaModel{}, &AssetModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// SaveUser registers or updates a user.
func (s *GormStore) SaveUser(u domain.User) error {
	model := userToModel(u)
	return s.db.Save(&model).Error
}

// HasUserEmail checks if email exists.
func (s *GormStore) HasUserEmail(email string) (bool, error) {
	var count int64
	if err := s.db.Model(&UserModel{}).Where("email = ?", email).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// GetUserByEmail looks up a user by email.
func (s *GormStore) GetUserByEmail(email string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.Where("email = ?", email).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// GetUserByID returns a user by ID.
func (s *GormStore) GetUserByID(id string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// SaveQuota creates or updates a quota row.
func (s *GormStore) SaveQuota(q domain.Quota) error {
	model := quotaToModel(q)
	return s.db.Save(&model).Error
}

// GetQuota returns the current counters for a user.
func (s *GormStore) GetQuota(userID string) (domain.Quota, bool, error) {
	var model QuotaModel
	if err := s.db.First(&model, "user_id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Quota{}, false, nil
		}
		return domain.Quota{}, false, err
	}
	return quotaFromModel(model), true, nil
}

// ApplyUsage increments counters through a single guarded UPDATE, so
// concurrent creates for the same user serialize on the row and can never
// jointly overshoot the quota beyond the admitted slack.
func (s *GormStore) ApplyUsage(userID string, actualBytes, admittedBytes int64) error {
	res := s.db.Model(&QuotaModel{}).
		Where("user_id = ? AND current_items < max_items AND used_bytes + LEAST(?, ?) <= total_bytes",
			userID, actualBytes, admittedBytes).
		Updates(map[string]any{
			"used_bytes":    gorm.Expr("used_bytes + ?", actualBytes),
			"current_items": gorm.Expr("current_items + 1"),
			"updated_at":    time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		// Distinguish a guard rejection from a user with no quota row.
		var count int64
		if err := s.db.Model(&QuotaModel{}).Where("user_id = ?", userID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return ErrQuotaNotFound
		}
		return ErrQuotaConflict
	}
	return nil
}

// CreateAsset inserts a new asset row. A public ID collision surfaces as
// ErrDuplicatePublicID for the caller to regenerate and retry.
func (s *GormStore) CreateAsset(a domain.Asset) error {
	model, err := assetToModel(a)
	if err != nil {
		return err
	}
	if err := s.db.Create(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicatePublicID
		}
		return err
	}
	return nil
}

// ListLiveAssets returns non-deleted assets of the owner, newest first.
func (s *GormStore) ListLiveAssets(ownerID string, limit int) ([]domain.Asset, error) {
	if limit <= 0 {
		return []domain.Asset{}, nil
	}
	var models []AssetModel
	if err := s.db.Where("owner_id = ? AND deleted_at IS NULL", ownerID).
		Order("created_at DESC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}
	assets := make([]domain.Asset, 0, len(models))
	for _, m := range models {
		assets = append(assets, assetFromModel(m))
	}
	return assets, nil
}

// GetLiveAsset retrieves a non-deleted asset scoped by owner and public ID.
func (s *GormStore) GetLiveAsset(ownerID, publicID string) (domain.Asset, bool, error) {
	var model AssetModel
	err := s.db.Where("owner_id = ? AND public_id = ? AND deleted_at IS NULL", ownerID, publicID).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Asset{}, false, nil
		}
		return domain.Asset{}, false, err
	}
	return assetFromModel(model), true, nil
}

// UpdateAssetPrompt updates the prompt of a live asset and bumps updated_at.
func (s *GormStore) UpdateAssetPrompt(ownerID, publicID, prompt string) (domain.Asset, bool, error) {
	res := s.db.Model(&AssetModel{}).
		Where("owner_id = ? AND public_id = ? AND deleted_at IS NULL", ownerID, publicID).
		Updates(map[string]any{
			"prompt":     prompt,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return domain.Asset{}, false, res.Error
	}
	if res.RowsAffected == 0 {
		return domain.Asset{}, false, nil
	}
	return s.GetLiveAsset(ownerID, publicID)
}

// SoftDeleteAndReverse marks an asset deleted and releases its recorded
// size inside one transaction, so a deleted row can never strand counted
// bytes: either both mutations commit or neither does. The deleted_at IS
// NULL guard makes the pair exactly-once under concurrent deletes.
func (s *GormStore) SoftDeleteAndReverse(ownerID, publicID string) (domain.Asset, bool, error) {
	var asset domain.Asset
	deleted := false
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var model AssetModel
		if err := tx.Where("owner_id = ? AND public_id = ? AND deleted_at IS NULL", ownerID, publicID).
			First(&model).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}
		now := time.Now().UTC()
		res := tx.Model(&AssetModel{}).
			Where("owner_id = ? AND public_id = ? AND deleted_at IS NULL", ownerID, publicID).
			Update("deleted_at", now)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// A concurrent delete won the race.
			return nil
		}
		rev := tx.Model(&QuotaModel{}).
			Where("user_id = ?", ownerID).
			Updates(map[string]any{
				"used_bytes":    gorm.Expr("GREATEST(used_bytes - ?, 0)", model.ByteSize),
				"current_items": gorm.Expr("GREATEST(current_items - 1, 0)"),
				"updated_at":    now,
			})
		if rev.Error != nil {
			return rev.Error
		}
		if rev.RowsAffected == 0 {
			// Rolls back the delete mark too.
			return ErrQuotaNotFound
		}
		asset = assetFromModel(model)
		asset.DeletedAt = &now
		deleted = true
		return nil
	})
	if err != nil {
		return domain.Asset{}, false, err
	}
	return asset, deleted, nil
}

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:           u.ID,
		Email:        u.Email,
		PasswordHash: u.PasswordHash,
		CreatedAt:    u.CreatedAt,
		UpdatedAt:    u.UpdatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	return domain.User{
		ID:           m.ID,
		Email:        m.Email,
		PasswordHash: m.PasswordHash,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func quotaToModel(q domain.Quota) QuotaModel {
	return QuotaModel{
		UserID:       q.UserID,
		TotalBytes:   q.TotalBytes,
		UsedBytes:    q.UsedBytes,
		MaxItems:     q.MaxItems,
		CurrentItems: q.CurrentItems,
		MaxFileBytes: q.MaxFileBytes,
		CreatedAt:    q.CreatedAt,
		UpdatedAt:    q.UpdatedAt,
	}
}

func quotaFromModel(m QuotaModel) domain.Quota {
	return domain.Quota{
		UserID:       m.UserID,
		TotalBytes:   m.TotalBytes,
		UsedBytes:    m.UsedBytes,
		MaxItems:     m.MaxItems,
		CurrentItems: m.CurrentItems,
		MaxFileBytes: m.MaxFileBytes,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func assetToModel(a domain.Asset) (AssetModel, error) {
	source, err := json.Marshal(a.Source)
	if err != nil {
		return AssetModel{}, fmt.Errorf("marshal source params: %w", err)
	}
	return AssetModel{
		ID:            a.ID,
		PublicID:      a.PublicID,
		OwnerID:       a.OwnerID,
		Prompt:        a.Prompt,
		ModelName:     a.ModelName,
		Source:        source,
		BlobKey:       a.BlobKey,
		URL:           a.URL,
		ByteSize:      a.ByteSize,
		Width:         a.Width,
		Height:        a.Height,
		ElapsedTime:   a.ElapsedTime,
		ModelResponse: a.ModelResponse,
		CreatedAt:     a.CreatedAt,
		UpdatedAt:     a.UpdatedAt,
		DeletedAt:     a.DeletedAt,
	}, nil
}

func assetFromModel(m AssetModel) domain.Asset {
	var source domain.SourceParams
	if len(m.Source) > 0 {
		_ = json.Unmarshal(m.Source, &source)
	}
	return domain.Asset{
		ID:            m.ID,
		PublicID:      m.PublicID,
		OwnerID:       m.OwnerID,
		Prompt:        m.Prompt,
		ModelName:     m.ModelName,
		Source:        source,
		BlobKey:       m.BlobKey,
		URL:           m.URL,
		ByteSize:      m.ByteSize,
		Width:         m.Width,
		Height:        m.Height,
		ElapsedTime:   m.ElapsedTime,
		ModelResponse: m.ModelResponse,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
		DeletedAt:     m.DeletedAt,
	}
}
