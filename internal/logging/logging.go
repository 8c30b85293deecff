package logging

import (
	"go.uber.org/zap"

	"github.com/sukryu/pStore/internal/config"
)

// New builds the process logger. Development loggers are human readable and
// log at debug unless a level is given.
func New(cfg config.LogConfig) (*zap.Logger, error) {
	var zc zap.Config
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, config.Error.New("invalid log level %q: %v", cfg.Level, err)
		}
		zc.Level = level
	}
	return zc.Build()
}
