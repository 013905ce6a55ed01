package logger

import (
	"regexp"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// 敏感信息类型
const (
	APIKey   = "api_key"
	Password = "password"
	Token    = "token"
)

// Telegram file links embed the bot token: https://api.telegram.org/file/bot<token>/photos/x.jpg
var botTokenInURL = regexp.MustCompile(`bot\d+:[A-Za-z0-9_-]+`)

// MaskSensitiveInfo 对敏感信息进行打码
func MaskSensitiveInfo(info string, infoType string) string {
	if info == "" {
		return ""
	}

	switch infoType {
	case APIKey, Password, Token:
		if len(info) <= 8 {
			return "****"
		}
		// 保留前4位和后4位，中间用*替代
		return info[:4] + strings.Repeat("*", len(info)-8) + info[len(info)-4:]
	default:
		return info
	}
}

// ScrubBotToken replaces a bot token inside a URL or free text.
func ScrubBotToken(s string) string {
	if !strings.Contains(s, "bot") {
		return s
	}
	return botTokenInURL.ReplaceAllString(s, "bot****")
}

// NewMaskedLogger 创建一个会对敏感信息进行打码的日志记录器
func NewMaskedLogger(baseLogger *zap.Logger) *zap.Logger {
	return baseLogger.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return &maskedCore{Core: core}
	}))
}

type maskedCore struct {
	zapcore.Core
}

func (c *maskedCore) With(fields []zapcore.Field) zapcore.Core {
	return &maskedCore{Core: c.Core.With(maskFields(fields))}
}

func (c *maskedCore) Check(entry zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(entry.Level) {
		return ce.AddCore(entry, c)
	}
	return ce
}

func (c *maskedCore) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	entry.Message = ScrubBotToken(entry.Message)
	return c.Core.Write(entry, maskFields(fields))
}

func maskFields(fields []zapcore.Field) []zapcore.Field {
	for i, field := range fields {
		switch {
		case field.Type == zapcore.StringType && isSensitiveField(field.Key):
			fields[i] = zap.String(field.Key, MaskSensitiveInfo(field.String, getFieldType(field.Key)))
		case field.Type == zapcore.StringType:
			fields[i].String = ScrubBotToken(field.String)
		case field.Type == zapcore.ErrorType:
			if err, ok := field.Interface.(error); ok && err != nil {
				if scrubbed := ScrubBotToken(err.Error()); scrubbed != err.Error() {
					fields[i] = zap.String(field.Key, scrubbed)
				}
			}
		}
	}
	return fields
}

// isSensitiveField 判断字段是否为敏感字段
func isSensitiveField(key string) bool {
	key = strings.ToLower(key)
	return strings.Contains(key, "api_key") ||
		strings.Contains(key, "apikey") ||
		strings.Contains(key, "password") ||
		strings.Contains(key, "token") ||
		strings.Contains(key, "secret") ||
		strings.Contains(key, "auth")
}

// getFieldType 根据字段名获取敏感信息类型
func getFieldType(key string) string {
	key = strings.ToLower(key)
	if strings.Contains(key, "api_key") || strings.Contains(key, "apikey") {
		return APIKey
	}
	if strings.Contains(key, "password") {
		return Password
	}
	if strings.Contains(key, "token") || strings.Contains(key, "secret") || strings.Contains(key, "auth") {
		return Token
	}
	return ""
}
