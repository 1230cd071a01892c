package utils

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// Validator 全局共享的 validator 实例（validator 内部缓存结构体元信息，需复用）
func Validator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		_ = validate.RegisterValidation("dns1123", func(fl validator.FieldLevel) bool {
			return IsDNS1123Label(fl.Field().String())
		})
	})
	return validate
}

// ValidateStruct 校验结构体，失败时返回格式化后的错误
func ValidateStruct(v any) error {
	if err := Validator().Struct(v); err != nil {
		return fmt.Errorf("%s", FormatValidationError(err))
	}
	return nil
}

// FormatValidationError 多个字段错误以 "; " 连接
func FormatValidationError(err error) string {
	if err == nil {
		return ""
	}
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return err.Error()
	}
	messages := make([]string, 0, len(validationErrors))
	for _, e := range validationErrors {
		messages = append(messages, formatFieldError(e))
	}
	return strings.Join(messages, "; ")
}

func formatFieldError(e validator.FieldError) string {
	field := e.Namespace()

	switch e.Tag() {
	case "required":
		return fmt.Sprintf("field '%s' is required", field)
	case "min":
		return fmt.Sprintf("field '%s' must contain at least %s item(s)", field, e.Param())
	case "oneof":
		return fmt.Sprintf("field '%s' must be one of: %s, got %q", field, e.Param(), e.Value())
	case "dns1123":
		return fmt.Sprintf("field '%s' must be a valid DNS-1123 label, got %q", field, e.Value())
	default:
		return fmt.Sprintf("field '%s' validation failed on '%s' tag", field, e.Tag())
	}
}
