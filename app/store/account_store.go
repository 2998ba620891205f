package store

import (
	"context"

	"wanistream/app/model"

	"gorm.io/gorm"
)

// AccountStore 直播平台账号读取
type AccountStore struct {
	db *gorm.DB
}

// NewAccountStore 创建账号存储
func NewAccountStore(db *gorm.DB) *AccountStore {
	return &AccountStore{db: db}
}

// GetAccount 读取账号，不存在时返回 gorm.ErrRecordNotFound
func (s *AccountStore) GetAccount(ctx context.Context, id uint) (*model.BroadcastAccount, error) {
	var account model.BroadcastAccount
	if err := s.db.WithContext(ctx).First(&account, id).Error; err != nil {
		return nil, err
	}
	return &account, nil
}
