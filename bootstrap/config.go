package bootstrap

import (
	"fmt"
	"os"
	"strings"

	"vigilant/config"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// InitLogger builds the process logger. format "json" selects the JSON
// encoder, anything else a colored console encoder.
func InitLogger(level, format string) (*zap.Logger, *zap.SugaredLogger, error) {
	lvl := zapcore.InfoLevel
	if level != "" {
		parsed, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid log level %q: %w", level, err)
		}
		lvl = parsed
	}

	var encoder zapcore.Encoder
	if strings.EqualFold(format, "json") {
		encoderConfig := zap.NewProductionEncoderConfig()
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		encoderConfig := zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), lvl)
	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	return logger, logger.Sugar(), nil
}

// InitConfig loads the configuration and the logger it configures
func InitConfig(path string) (*config.Config, *zap.Logger, *zap.SugaredLogger, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to load config: %v\n", err)
		return nil, nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger, sugar, err := InitLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	if cfg.ConfigFile == "" {
		sugar.Info("No config file found, using defaults and env vars")
	} else {
		sugar.Infow("Config loaded", "file", cfg.ConfigFile)
	}
	sugar.Infow("Collection settings",
		"sqlite_path", cfg.Storage.SQLitePath,
		"poll_interval", cfg.Scheduler.PollInterval,
		"configured_servers", len(cfg.Servers),
		"lease_backend", cfg.Lease.Backend)

	return cfg, logger, sugar, nil
}
