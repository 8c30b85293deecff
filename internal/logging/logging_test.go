package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/sukryu/pStore/internal/config"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.LogConfig
		enabled zapcore.Level
		hidden  zapcore.Level
		wantErr bool
	}{
		{name: "production default", cfg: config.LogConfig{}, enabled: zapcore.InfoLevel, hidden: zapcore.DebugLevel},
		{name: "development", cfg: config.LogConfig{Development: true}, enabled: zapcore.DebugLevel, hidden: zapcore.DebugLevel - 1},
		{name: "explicit level", cfg: config.LogConfig{Level: "warn"}, enabled: zapcore.WarnLevel, hidden: zapcore.InfoLevel},
		{name: "bad level", cfg: config.LogConfig{Level: "loud"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log, err := New(tt.cfg)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, config.Error.Has(err))
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, log.Check(tt.enabled, "x"))
			assert.Nil(t, log.Check(tt.hidden, "x"))
		})
	}
}
