package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"paas-control/internal/pkg/config"
)

var (
	// Log 全局 logger，Init 之前为 Nop
	Log    = zap.NewNop()
	log    = zap.NewNop()
	closer io.Closer
)

// customTimeEncoder 自定义时间格式编码器
// 输出格式: 2006-01-02 15:04:05.000
func customTimeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.Format("2006-01-02 15:04:05.000"))
}

// customCallerEncoder 自定义调用者编码器
// 输出相对于项目根目录的完整路径，支持IDE点击跳转
// 格式: internal/pkg/logger/logger.go:45
func customCallerEncoder(caller zapcore.EntryCaller, enc zapcore.PrimitiveArrayEncoder) {
	if !caller.Defined {
		enc.AppendString("undefined")
		return
	}

	// 获取调用者的完整路径
	fullPath := caller.File

	// 查找项目根目录标识（go.mod所在目录）
	_, currentFile, _, ok := runtime.Caller(0)
	if ok {
		// 向上查找go.mod
		dir := filepath.Dir(currentFile)
		for i := 0; i < 10; i++ { // 最多向上查找10层
			if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
				// 找到项目根目录，计算相对路径
				if rel, err := filepath.Rel(dir, fullPath); err == nil {
					enc.AppendString(rel + ":" + caller.String()[strings.LastIndex(caller.String(), ":")+1:])
					return
				}
				break
			}
			parentDir := filepath.Dir(dir)
			if parentDir == dir {
				break // 已到达根目录
			}
			dir = parentDir
		}
	}

	// 如果无法找到项目根目录，使用短路径
	enc.AppendString(caller.TrimmedPath())
}

// Init 初始化日志
func Init(cfg *config.LogConfig) error {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:          "time",
		LevelKey:         "level",
		NameKey:          "logger",
		CallerKey:        "caller",
		MessageKey:       "msg",
		StacktraceKey:    "stacktrace",
		LineEnding:       zapcore.DefaultLineEnding,
		EncodeTime:       customTimeEncoder,
		EncodeDuration:   zapcore.StringDurationEncoder,
		EncodeCaller:     customCallerEncoder,
		ConsoleSeparator: " ",
	}

	var encoder zapcore.Encoder
	if cfg.Format == "json" {
		encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		// Console格式: 时间 INFO 组件 代码位置 日志消息 {json格式参数}
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	var writeSyncer zapcore.WriteSyncer
	if cfg.Output == "stdout" || cfg.FilePath == "" {
		writeSyncer = zapcore.AddSync(os.Stdout)
	} else {
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o755); err != nil {
			return fmt.Errorf("创建日志目录失败: %w", err)
		}
		// 部署日志量大，按大小切割
		rotate := &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			LocalTime:  true,
		}
		closer = rotate
		writeSyncer = zapcore.AddSync(rotate)
	}

	core := zapcore.NewCore(encoder, writeSyncer, level)

	// Error 及以上附带堆栈，便于定位部署驱动中的异常
	Log = zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	log = Log.WithOptions(zap.AddCallerSkip(1))

	return nil
}

// Close 刷新并关闭日志
func Close() error {
	err := Log.Sync()
	if closer != nil {
		if cerr := closer.Close(); cerr != nil && err == nil {
			err = cerr
		}
		closer = nil
	}
	if err != nil {
		return fmt.Errorf("close log error: %w", err)
	}
	return nil
}

// Named 返回带组件名的子 logger，组件通过构造函数持有
func Named(component string) *zap.Logger {
	return Log.Named(component)
}

// ReplaceForTest 测试中替换全局 logger，返回恢复函数
func ReplaceForTest(l *zap.Logger) func() {
	prevLog, prev := Log, log
	Log = l
	log = l.WithOptions(zap.AddCallerSkip(1))
	return func() {
		Log, log = prevLog, prev
	}
}

// Debug 等包级函数供 main 等没有持有 logger 的地方使用
func Debug(msg string, fields ...zap.Field) {
	log.Debug(msg, fields...)
}

func Info(msg string, fields ...zap.Field) {
	log.Info(msg, fields...)
}

func Warn(msg string, fields ...zap.Field) {
	log.Warn(msg, fields...)
}

func Error(msg string, fields ...zap.Field) {
	log.Error(msg, fields...)
}

func Fatal(msg string, fields ...zap.Field) {
	log.Fatal(msg, fields...)
}
