package model

import "time"

// 账户角色。
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// 账户状态。
const (
	StatusActive   = "active"
	StatusInactive = "inactive"
	StatusBanned   = "banned"
)

// DefaultAvatarURL 未设置头像时使用的占位图。
const DefaultAvatarURL = "/uploads/default-avatar.svg"

// User 表示普通用户。
type User struct {
	ID           uint       `gorm:"primaryKey"`                               // 用户 ID
	Username     string     `gorm:"type:varchar(50);uniqueIndex;not null"`    // 用户名（唯一）
	Email        string     `gorm:"type:varchar(100);uniqueIndex;not null"`   // 邮箱（唯一）
	PasswordHash string     `gorm:"column:password_hash;not null"`            // bcrypt 哈希
	Role         string     `gorm:"type:varchar(16);default:user;not null"`   // 角色，固定为 user
	Status       string     `gorm:"type:varchar(16);default:active;not null"` // active / inactive / banned
	AvatarURL    *string    `gorm:"column:avatar_url;type:varchar(255)"`      // 头像地址
	LastLogin    *time.Time `gorm:"column:last_login"`                        // 最近登录时间
	CreatedAt    time.Time  // 创建时间
	UpdatedAt    time.Time  // 更新时间
}

// Admin 表示管理员。角色由表本身决定，不单独存储。
type Admin struct {
	ID           uint       `gorm:"primaryKey"`
	Username     string     `gorm:"type:varchar(50);uniqueIndex;not null"`
	Email        string     `gorm:"type:varchar(100);uniqueIndex;not null"`
	PasswordHash string     `gorm:"column:password_hash;not null"`
	Status       string     `gorm:"type:varchar(16);default:active;not null"`
	AvatarURL    *string    `gorm:"column:avatar_url;type:varchar(255)"`
	LastLogin    *time.Time `gorm:"column:last_login"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Account 是不含密码哈希的账户视图，可直接返回给客户端。
type Account struct {
	ID        uint       `json:"id"`
	Username  string     `json:"username"`
	Email     string     `json:"email"`
	Role      string     `json:"role"`
	Status    string     `json:"status"`
	AvatarURL string     `json:"avatar_url"`
	LastLogin *time.Time `json:"last_login,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Sanitize 返回用户的公开视图。
func (u *User) Sanitize() Account {
	role := u.Role
	if role == "" {
		role = RoleUser
	}
	return Account{
		ID:        u.ID,
		Username:  u.Username,
		Email:     u.Email,
		Role:      role,
		Status:    u.Status,
		AvatarURL: avatarOrDefault(u.AvatarURL),
		LastLogin: u.LastLogin,
		CreatedAt: u.CreatedAt,
	}
}

// Sanitize 返回管理员的公开视图。
func (a *Admin) Sanitize() Account {
	return Account{
		ID:        a.ID,
		Username:  a.Username,
		Email:     a.Email,
		Role:      RoleAdmin,
		Status:    a.Status,
		AvatarURL: avatarOrDefault(a.AvatarURL),
		LastLogin: a.LastLogin,
		CreatedAt: a.CreatedAt,
	}
}

func avatarOrDefault(v *string) string {
	if v == nil || *v == "" {
		return DefaultAvatarURL
	}
	return *v
}
