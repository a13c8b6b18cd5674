package log

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const redactedValue = "[REDACTED]"

var sensitiveKeyParts = []string{"password", "secret", "private", "seed", "userhandle"}

type redactingCore struct {
	zapcore.Core
}

// NewRedactingCore wraps next so that fields with secret-looking keys never reach an encoder.
func NewRedactingCore(next zapcore.Core) zapcore.Core {
	return &redactingCore{Core: next}
}

func (c *redactingCore) With(fields []zapcore.Field) zapcore.Core {
	return &redactingCore{Core: c.Core.With(redactFields(fields))}
}

func (c *redactingCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *redactingCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	return c.Core.Write(ent, redactFields(fields))
}

func redactFields(fields []zapcore.Field) []zapcore.Field {
	out := make([]zapcore.Field, len(fields))
	for i, f := range fields {
		if IsSensitiveKey(f.Key) {
			out[i] = zap.String(f.Key, redactedValue)
			continue
		}
		out[i] = f
	}
	return out
}

func IsSensitiveKey(key string) bool {
	lower := strings.ToLower(strings.ReplaceAll(key, "_", ""))
	lower = strings.ReplaceAll(lower, "-", "")
	for _, part := range sensitiveKeyParts {
		if strings.Contains(lower, part) {
			return true
		}
	}
	return false
}
