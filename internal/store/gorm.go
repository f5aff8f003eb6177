package store

import (
	"context"

	"github.com/hiop5155/chat-app/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormMessageStore 基于关系数据库保存消息，发送者资料通过外键关联。
type GormMessageStore struct {
	db *gorm.DB
}

func NewGormMessageStore(db *gorm.DB) *GormMessageStore {
	return &GormMessageStore{db: db}
}

// Create 写入消息并回填数据库分配的 ID 与 CreatedAt；不会改写发送者记录。
func (s *GormMessageStore) Create(ctx context.Context, msg *models.Message) error {
	return s.db.WithContext(ctx).Omit(clause.Associations).Create(msg).Error
}

// ListAll 按 created_at 升序返回全部消息，同一时刻按 id（插入顺序）排序。
func (s *GormMessageStore) ListAll(ctx context.Context) ([]models.Message, error) {
	var msgs []models.Message
	err := s.db.WithContext(ctx).
		Preload("Sender").
		Order("created_at asc").
		Order("id asc").
		Find(&msgs).Error
	if err != nil {
		return nil, err
	}
	return msgs, nil
}
