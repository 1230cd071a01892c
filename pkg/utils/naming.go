package utils

import (
	"regexp"
	"strings"
)

const dns1123LabelMaxLength = 63

var (
	dns1123LabelRegexp = regexp.MustCompile(`^[a-z0-9]([-a-z0-9]*[a-z0-9])?$`)
	invalidLabelChars  = regexp.MustCompile(`[^a-z0-9-]+`)
)

// EscapeUnderscore k8s 资源名不允许下划线，应用名里的 "_" 统一转义为 "0us0"
func EscapeUnderscore(name string) string {
	return strings.ReplaceAll(name, "_", "0us0")
}

// UnescapeUnderscore EscapeUnderscore 的逆操作
func UnescapeUnderscore(name string) string {
	return strings.ReplaceAll(name, "0us0", "_")
}

// IsDNS1123Label 是否为合法的 DNS-1123 label
func IsDNS1123Label(s string) bool {
	return len(s) <= dns1123LabelMaxLength && dns1123LabelRegexp.MatchString(s)
}

// SanitizeLabel 把任意字符串转换成合法的 DNS-1123 label（小写、去掉非法字符、截断）
func SanitizeLabel(s string) string {
	s = strings.ToLower(s)
	s = invalidLabelChars.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if len(s) > dns1123LabelMaxLength {
		s = strings.TrimRight(s[:dns1123LabelMaxLength], "-")
	}
	return s
}
