package gormpersistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"collaborative-canvas/internal/domain"
	"collaborative-canvas/internal/repository"
)

// GormRoomRepository 是 RoomRepository 接口的 GORM 实现
type GormRoomRepository struct {
	db *gorm.DB
}

// NewGormRoomRepository 创建 GormRoomRepository 实例
func NewGormRoomRepository(db *gorm.DB) *GormRoomRepository {
	if db == nil {
		panic("database connection cannot be nil for GormRoomRepository")
	}
	return &GormRoomRepository{db: db}
}

// FindByID 实现根据房间号查找归档记录
func (r *GormRoomRepository) FindByID(ctx context.Context, id string) (*domain.RoomRecord, error) {
	var record domain.RoomRecord
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, repository.ErrRoomNotFound
		}
		return nil, fmt.Errorf("gorm: find room record by id %s: %w", id, err)
	}
	return &record, nil
}

// Create 实现只在记录不存在时插入。
// 已有记录 (包括已经写入删除信息的) 保持不变，返回 ErrDuplicateEntry。
func (r *GormRoomRepository) Create(ctx context.Context, record *domain.RoomRecord) error {
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		Create(record)
	if err := result.Error; err != nil {
		if isDuplicateKey(err) {
			return repository.ErrDuplicateEntry
		}
		return fmt.Errorf("gorm: create room record (id: %s): %w", record.ID, err)
	}
	if result.RowsAffected == 0 {
		return repository.ErrDuplicateEntry
	}
	return nil
}

// Save 实现保存房间记录（创建或覆盖更新）
func (r *GormRoomRepository) Save(ctx context.Context, record *domain.RoomRecord) error {
	err := r.db.WithContext(ctx).Save(record).Error
	if err != nil {
		if isDuplicateKey(err) {
			return repository.ErrDuplicateEntry
		}
		return fmt.Errorf("gorm: save room record (id: %s): %w", record.ID, err)
	}
	return nil
}

// MarkDeleted 实现记录房间的删除时间和最终画布
func (r *GormRoomRepository) MarkDeleted(ctx context.Context, id string, deletedAt time.Time, finalCanvas string) error {
	result := r.db.WithContext(ctx).
		Model(&domain.RoomRecord{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"deleted_at":   deletedAt,
			"final_canvas": finalCanvas,
		})
	if result.Error != nil {
		return fmt.Errorf("gorm: mark room record %s deleted: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return repository.ErrRoomNotFound
	}
	return nil
}

func isDuplicateKey(err error) bool {
	var mysqlErr *mysql.MySQLError
	return errors.Is(err, gorm.ErrDuplicatedKey) || (errors.As(err, &mysqlErr) && mysqlErr.Number == 1062)
}
