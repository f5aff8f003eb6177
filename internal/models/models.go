package models

import "time"

// 消息类型，创建后不可修改。
const (
	MessageTypeText  = "text"
	MessageTypeImage = "image"
	MessageTypeVideo = "video"
)

// User 是外部认证服务签发身份在本地的资料副本。
type User struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Username  string    `gorm:"uniqueIndex;size:64;not null" json:"username"`
	Email     string    `gorm:"size:255" json:"email"`
	CreatedAt time.Time `json:"-"`
	UpdatedAt time.Time `json:"-"`
}

// Message 一经创建即不可变；ID 与 CreatedAt 由存储层分配。
type Message struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	SenderID  uint      `gorm:"index;not null" json:"-"`
	Sender    User      `gorm:"foreignKey:SenderID" json:"sender"`
	Type      string    `gorm:"size:16;not null" json:"type"`
	Content   string    `gorm:"type:text" json:"content"`
	FileURL   string    `gorm:"size:2048" json:"file_url,omitempty"`
	CreatedAt time.Time `gorm:"index:idx_msg_created_at" json:"created_at"`
}

// IsMedia 判断消息是否引用外部媒体文件。
func IsMedia(msgType string) bool {
	return msgType == MessageTypeImage || msgType == MessageTypeVideo
}
