package utils

import "log/slog"

// Logger 日志接口
//
// *slog.Logger 直接满足该接口。
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
}

// DefaultLogger 返回默认日志器（slog 默认实例）
func DefaultLogger() Logger {
	return slog.Default()
}

// OrDefault 在 l 为空时返回默认日志器
func OrDefault(l Logger) Logger {
	if l == nil {
		return DefaultLogger()
	}
	return l
}
