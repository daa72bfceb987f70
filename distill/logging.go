package distill

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// zapLevels maps the settings file's level names onto zap levels. CRITICAL
// has no zap counterpart and maps to the fatal threshold.
var zapLevels = map[string]zapcore.Level{
	"DEBUG":    zapcore.DebugLevel,
	"INFO":     zapcore.InfoLevel,
	"WARNING":  zapcore.WarnLevel,
	"ERROR":    zapcore.ErrorLevel,
	"CRITICAL": zapcore.FatalLevel,
}

// NewLogger builds the process logger from validated logging settings. The
// format template decides which fields appear on each line: only the
// referenced placeholders (asctime, name, levelname, message) are emitted,
// joined with a console separator matching the template's style.
func NewLogger(cfg LoggingSettings) (*zap.Logger, func(), error) {
	level, ok := zapLevels[cfg.Level]
	if !ok {
		return nil, nil, fmt.Errorf("NewLogger: unknown level %q", cfg.Level)
	}

	if dir := filepath.Dir(cfg.File); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("NewLogger: mkdir log dir: %w", err)
		}
	}
	sink, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("NewLogger: open log file: %w", err)
	}

	encCfg := encoderConfigForFormat(cfg.Format)
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.AddSync(sink), level)
	logger := zap.New(core).Named("distiller")

	cleanup := func() {
		_ = logger.Sync()
		_ = sink.Close()
	}
	return logger, cleanup, nil
}

// encoderConfigForFormat turns a %(field)s template into a zap console
// encoder configuration: each recognized placeholder switches its field on.
func encoderConfigForFormat(format string) zapcore.EncoderConfig {
	enc := zapcore.EncoderConfig{
		ConsoleSeparator: " - ",
		LineEnding:       zapcore.DefaultLineEnding,
		EncodeTime:       zapcore.ISO8601TimeEncoder,
		EncodeLevel:      zapcore.CapitalLevelEncoder,
		EncodeDuration:   zapcore.SecondsDurationEncoder,
		EncodeName:       zapcore.FullNameEncoder,
	}
	for _, field := range formatFields(format) {
		switch field {
		case "asctime":
			enc.TimeKey = "time"
		case "name":
			enc.NameKey = "name"
		case "levelname":
			enc.LevelKey = "level"
		case "message":
			enc.MessageKey = "message"
		}
	}
	return enc
}
