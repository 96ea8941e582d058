package model

import "time"

// Image 表示一条已登录用户的生成记录。
type Image struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	UserID    uint      `gorm:"index;not null" json:"user_id"`
	Prompt    string    `gorm:"type:text;not null" json:"prompt"`
	Model     string    `gorm:"type:varchar(100)" json:"model"`
	URL       string    `gorm:"type:varchar(1024);not null" json:"url"`
	Width     int       `json:"width"`
	Height    int       `json:"height"`
	Status    string    `gorm:"type:varchar(16);default:completed" json:"status"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}
