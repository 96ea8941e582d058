// Package request 绑定并校验请求参数。
//
// 校验规则写在结构体的 binding 标签上，由 gin 的校验器执行；
// 校验失败统一转换为 apperr.Validation。
package request

import (
	"errors"
	"reflect"
	"regexp"
	"strings"
	"sync"

	"imggen/internal/pkg/apperr"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
)

// 自定义校验规则。
const (
	TagUsername = "imgusername"
	TagEmail    = "imgemail"
)

var (
	usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_\x{4e00}-\x{9fa5}]+$`)
	emailPattern    = regexp.MustCompile(`^[a-zA-Z0-9._-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,6}$`)
)

// 按 "字段.规则" 查找错误消息，字段名取 json 标签。
var defaultMessages = map[string]string{
	"username.min":         "username must be 3-20 characters",
	"username.max":         "username must be 3-20 characters",
	"username.imgusername": "username may only contain letters, digits, underscores and Chinese characters",
	"email.imgemail":       "invalid email format",
	"password.min":         "password must be 6-20 characters",
	"password.max":         "password must be 6-20 characters",
	"prompt.max":           "prompt must not exceed 1000 characters",
	"image_size.oneof":     "unsupported image size, supported: 1024x1024, 1280x1280, 1024x1280, 1280x1024",
	"batch_size.min":       "batch_size must be between 1 and 4",
	"batch_size.max":       "batch_size must be between 1 and 4",
	"status.oneof":         "invalid status",
	"ids.required":         "ids must be a non-empty array",
	"ids.min":              "ids must be a non-empty array",
	"ids.max":              "at most 100 ids per request",
}

// Messager 由需要覆盖默认错误消息的请求结构体实现。
type Messager interface {
	ValidationMessages() map[string]string
}

var setupOnce sync.Once

// Setup 在 gin 的校验器上注册自定义规则，可重复调用。
func Setup() {
	setupOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			switch name {
			case "-":
				return ""
			case "":
				return fld.Name
			}
			return name
		})
		_ = v.RegisterValidation(TagUsername, func(fl validator.FieldLevel) bool {
			return usernamePattern.MatchString(fl.Field().String())
		})
		_ = v.RegisterValidation(TagEmail, func(fl validator.FieldLevel) bool {
			return emailPattern.MatchString(fl.Field().String())
		})
	})
}

// Bind 按 Content-Type 绑定 JSON 或表单并校验。
func Bind(c *gin.Context, obj any) error {
	Setup()
	if err := c.ShouldBind(obj); err != nil {
		return translate(obj, err)
	}
	return nil
}

// BindJSON 绑定 JSON 请求体并校验。
func BindJSON(c *gin.Context, obj any) error {
	Setup()
	if err := c.ShouldBindJSON(obj); err != nil {
		return translate(obj, err)
	}
	return nil
}

// Validate 对任意带 binding 标签的结构体执行同一套规则。
func Validate(obj any) error {
	Setup()
	if err := binding.Validator.ValidateStruct(obj); err != nil {
		return translate(obj, err)
	}
	return nil
}

func translate(obj any, err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return apperr.Validation("invalid request body")
	}
	fe := verrs[0]
	key := fe.Field() + "." + fe.Tag()

	if m, ok := obj.(Messager); ok {
		overrides := m.ValidationMessages()
		if msg, ok := overrides[key]; ok {
			return apperr.Validation(msg)
		}
		if msg, ok := overrides[fe.Tag()]; ok {
			return apperr.Validation(msg)
		}
	}
	if msg, ok := defaultMessages[key]; ok {
		return apperr.Validation(msg)
	}
	if fe.Tag() == "required" {
		return apperr.Validation(fe.Field() + " is required")
	}
	return apperr.Validation("invalid " + fe.Field())
}
