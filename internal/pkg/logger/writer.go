package logger

import (
	"strings"

	"go.uber.org/zap"
)

// LogWriter 适配只接受 Printf 的组件（gorm 日志），输出走 zap
type LogWriter struct {
	sugar *zap.SugaredLogger
}

func (l *LogWriter) Printf(format string, args ...interface{}) {
	l.sugar.Infof(strings.TrimSuffix(format, "\n"), args...)
}

// GetWriter 全局 logger 的 Printf 适配，需在 Init 之后调用
func GetWriter() *LogWriter {
	return &LogWriter{sugar: Log.Named("sql").WithOptions(zap.AddCallerSkip(1)).Sugar()}
}
