package logger

import (
	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"
)

// consoleEncoder is zap's console encoder with the symbol field lifted out
// of the trailing key-value blob and printed ahead of the message.
// Symbols arrive either through With (AddString) or per call (EncodeEntry).
type consoleEncoder struct {
	zapcore.Encoder
	symbol string
}

func newConsoleEncoder() zapcore.Encoder {
	cfg := zapcore.EncoderConfig{
		TimeKey:          "time",
		LevelKey:         "level",
		NameKey:          "logger",
		MessageKey:       "msg",
		LineEnding:       zapcore.DefaultLineEnding,
		EncodeLevel:      zapcore.CapitalColorLevelEncoder,
		EncodeTime:       zapcore.TimeEncoderOfLayout("15:04:05"),
		EncodeDuration:   zapcore.StringDurationEncoder,
		EncodeName:       zapcore.FullNameEncoder,
		ConsoleSeparator: " ",
	}
	return &consoleEncoder{Encoder: zapcore.NewConsoleEncoder(cfg)}
}

func (e *consoleEncoder) Clone() zapcore.Encoder {
	return &consoleEncoder{Encoder: e.Encoder.Clone(), symbol: e.symbol}
}

func (e *consoleEncoder) AddString(key, value string) {
	if key == FieldSymbol {
		e.symbol = value
		return
	}
	e.Encoder.AddString(key, value)
}

func (e *consoleEncoder) EncodeEntry(ent zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error) {
	symbol := e.symbol
	kept := make([]zapcore.Field, 0, len(fields))
	for _, f := range fields {
		if f.Key == FieldSymbol && f.Type == zapcore.StringType {
			symbol = f.String
			continue
		}
		kept = append(kept, f)
	}
	if symbol != "" {
		ent.Message = symbol + " " + ent.Message
	}
	return e.Encoder.EncodeEntry(ent, kept)
}
