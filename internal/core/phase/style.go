package phase

import (
	"github.com/fatih/color"

	pkgErrors "paas-control/pkg/errors"
)

// 输出流里的文本会在浏览器终端中渲染，始终输出 ANSI 颜色
var (
	red    = forced(color.FgRed)
	yellow = forced(color.FgYellow)
	green  = forced(color.FgGreen)
)

func forced(attr color.Attribute) *color.Color {
	c := color.New(attr)
	c.EnableColor()
	return c
}

// opaqueMessage 未知错误时展示给用户的文本，不包含错误细节
const opaqueMessage = "an unexpected error occurred, please retry later or contact the administrator"

// UserFacingMessage 可以展示给用户的错误信息
func UserFacingMessage(err error) string {
	if err == nil {
		return ""
	}
	if se, ok := pkgErrors.AsStepError(err); ok {
		return se.Message
	}
	if pkgErrors.Is(err, pkgErrors.ErrInterrupted) {
		return "interrupted by user"
	}
	var dup *pkgErrors.DuplicateBuildError
	if pkgErrors.As(err, &dup) {
		return dup.Error()
	}
	return opaqueMessage
}
