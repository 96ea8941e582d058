package auth

import (
	"github.com/gin-gonic/gin"
)

// gin 上下文中的键。
const (
	ctxIdentity = "identity"
	ctxUserID   = "userID"
	ctxRole     = "role"
)

// Identity 当前请求的调用者。
type Identity struct {
	UserID   uint
	Username string
	Email    string
	Role     string
	Status   string // 仅在鉴权时查询过数据库才会填充
}

// Anonymous 是否匿名调用者。
func (i *Identity) Anonymous() bool {
	return i == nil || i.UserID == 0
}

// IdentityFromClaims 从令牌声明构造调用者。
func IdentityFromClaims(c *Claims) *Identity {
	return &Identity{
		UserID:   c.UserID,
		Username: c.Username,
		Email:    c.Email,
		Role:     c.Role,
	}
}

// SetIdentity 将调用者写入请求上下文。id 为 nil 表示匿名。
func SetIdentity(c *gin.Context, id *Identity) {
	c.Set(ctxIdentity, id)
	if id != nil {
		c.Set(ctxUserID, id.UserID)
		c.Set(ctxRole, id.Role)
	}
}

// CurrentIdentity 读取请求上下文中的调用者，匿名或未鉴权时返回 nil。
func CurrentIdentity(c *gin.Context) *Identity {
	v, ok := c.Get(ctxIdentity)
	if !ok {
		return nil
	}
	id, _ := v.(*Identity)
	return id
}
