package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"imggen/internal/model"

	"gorm.io/gorm"
)

// Accounts 读写 users 与 admins 表。
type Accounts struct {
	db *gorm.DB
}

// NewAccounts 创建账户存储。
func NewAccounts(db *gorm.DB) *Accounts {
	return &Accounts{db: db}
}

// UserFilter 用户列表查询条件。
type UserFilter struct {
	Keyword  string // 匹配用户名或邮箱
	Status   string
	Page     int
	PageSize int
}

// FindUserByUsername 按用户名查询普通用户。
func (s *Accounts) FindUserByUsername(ctx context.Context, username string) (*model.User, error) {
	var u model.User
	if err := s.db.WithContext(ctx).Where("username = ?", username).First(&u).Error; err != nil {
		return nil, translate(err)
	}
	return &u, nil
}

// FindUserByID 按 ID 查询普通用户。
func (s *Accounts) FindUserByID(ctx context.Context, id uint) (*model.User, error) {
	var u model.User
	if err := s.db.WithContext(ctx).First(&u, id).Error; err != nil {
		return nil, translate(err)
	}
	return &u, nil
}

// UsernameTaken 用户名是否已被占用，excludeID 非 0 时排除该用户。
func (s *Accounts) UsernameTaken(ctx context.Context, username string, excludeID uint) (bool, error) {
	return s.exists(ctx, "username = ?", username, excludeID)
}

// EmailTaken 邮箱是否已被占用。
func (s *Accounts) EmailTaken(ctx context.Context, email string, excludeID uint) (bool, error) {
	return s.exists(ctx, "email = ?", email, excludeID)
}

func (s *Accounts) exists(ctx context.Context, cond string, value string, excludeID uint) (bool, error) {
	q := s.db.WithContext(ctx).Model(&model.User{}).Where(cond, value)
	if excludeID != 0 {
		q = q.Where("id <> ?", excludeID)
	}
	var n int64
	if err := q.Count(&n).Error; err != nil {
		return false, err
	}
	return n > 0, nil
}

// CreateUser 插入新用户，唯一约束冲突返回 ErrDuplicate。
func (s *Accounts) CreateUser(ctx context.Context, u *model.User) error {
	if u.Role == "" {
		u.Role = model.RoleUser
	}
	if u.Status == "" {
		u.Status = model.StatusActive
	}
	return translate(s.db.WithContext(ctx).Create(u).Error)
}

// TouchUserLogin 更新最近登录时间。
func (s *Accounts) TouchUserLogin(ctx context.Context, id uint, at time.Time) error {
	return s.db.WithContext(ctx).Model(&model.User{}).Where("id = ?", id).Update("last_login", at).Error
}

// UpdateUser 更新用户字段。
func (s *Accounts) UpdateUser(ctx context.Context, id uint, updates map[string]any) error {
	if len(updates) == 0 {
		return nil
	}
	res := s.db.WithContext(ctx).Model(&model.User{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := s.FindUserByID(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// DeleteUser 删除用户及其生成记录。
func (s *Accounts) DeleteUser(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ?", id).Delete(&model.Image{}).Error; err != nil {
			return fmt.Errorf("delete images: %w", err)
		}
		res := tx.Delete(&model.User{}, id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// ListUsers 分页查询用户，按创建时间倒序。
func (s *Accounts) ListUsers(ctx context.Context, f UserFilter) ([]model.User, int64, error) {
	q := s.db.WithContext(ctx).Model(&model.User{})
	if kw := strings.TrimSpace(f.Keyword); kw != "" {
		like := "%" + kw + "%"
		q = q.Where("username LIKE ? OR email LIKE ?", like, like)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var users []model.User
	err := q.Order("created_at DESC").Order("id DESC").
		Offset((f.Page - 1) * f.PageSize).
		Limit(f.PageSize).
		Find(&users).Error
	if err != nil {
		return nil, 0, err
	}
	return users, total, nil
}

// CountUsers 统计用户数量，status 为空时统计全部。
func (s *Accounts) CountUsers(ctx context.Context, status string) (int64, error) {
	q := s.db.WithContext(ctx).Model(&model.User{})
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var n int64
	err := q.Count(&n).Error
	return n, err
}

// FindAdminByUsername 按用户名查询管理员。
func (s *Accounts) FindAdminByUsername(ctx context.Context, username string) (*model.Admin, error) {
	var a model.Admin
	if err := s.db.WithContext(ctx).Where("username = ?", username).First(&a).Error; err != nil {
		return nil, translate(err)
	}
	return &a, nil
}

// FindAdminByID 按 ID 查询管理员。
func (s *Accounts) FindAdminByID(ctx context.Context, id uint) (*model.Admin, error) {
	var a model.Admin
	if err := s.db.WithContext(ctx).First(&a, id).Error; err != nil {
		return nil, translate(err)
	}
	return &a, nil
}

// TouchAdminLogin 更新管理员最近登录时间。
func (s *Accounts) TouchAdminLogin(ctx context.Context, id uint, at time.Time) error {
	return s.db.WithContext(ctx).Model(&model.Admin{}).Where("id = ?", id).Update("last_login", at).Error
}

// EnsureAdmin 不存在同名管理员时插入，返回是否新建。已存在的账户不做修改。
func (s *Accounts) EnsureAdmin(ctx context.Context, a *model.Admin) (bool, error) {
	_, err := s.FindAdminByUsername(ctx, a.Username)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return false, err
	}
	if a.Status == "" {
		a.Status = model.StatusActive
	}
	if err := s.db.WithContext(ctx).Create(a).Error; err != nil {
		err = translate(err)
		// 并发启动的另一个实例先插入了
		if errors.Is(err, ErrDuplicate) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// SetAdminStatus 修改管理员状态。
func (s *Accounts) SetAdminStatus(ctx context.Context, id uint, status string) error {
	res := s.db.WithContext(ctx).Model(&model.Admin{}).Where("id = ?", id).Update("status", status)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
