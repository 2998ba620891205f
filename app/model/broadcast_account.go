package model

import "time"

// BroadcastAccount 直播平台账号（OAuth 令牌由外部流程维护）
type BroadcastAccount struct {
	ID           uint       `json:"id" gorm:"primarykey"`
	ChannelID    string     `json:"channel_id" gorm:"uniqueIndex;not null"`
	ChannelTitle string     `json:"channel_title" gorm:"not null"`
	AccessToken  string     `json:"-" gorm:"type:text;not null"`
	RefreshToken string     `json:"-" gorm:"type:text"`
	TokenExpiry  *time.Time `json:"token_expiry"`
	IsActive     bool       `json:"is_active" gorm:"default:true"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// TableName 指定表名
func (BroadcastAccount) TableName() string {
	return "broadcast_accounts"
}

// IsTokenExpired 访问令牌是否已过期
func (a *BroadcastAccount) IsTokenExpired() bool {
	return a.TokenExpiry != nil && time.Now().After(*a.TokenExpiry)
}
