package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/amoylab/collab/internal/common/config"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zapcore"
)

func TestGetLogLevel(t *testing.T) {
	cases := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		"INFO":    zapcore.InfoLevel,
		"warn":    zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"dpanic":  zapcore.DPanicLevel,
		"panic":   zapcore.PanicLevel,
		"fatal":   zapcore.FatalLevel,
		"unknown": zapcore.InfoLevel, // default
	}
	for in, exp := range cases {
		assert.Equal(t, exp, getLogLevel(in))
	}
}

func TestSetDefaultsAndNewLogger(t *testing.T) {
	cfg := &config.LoggerConfig{}
	setLoggerDefaults(cfg)
	assert.Equal(t, "info", cfg.Level)
	assert.Equal(t, "json", cfg.Format)
	assert.Equal(t, "stdout", cfg.Output)
	assert.Equal(t, 100, cfg.MaxSize)
	assert.Equal(t, 3, cfg.MaxBackups)
	assert.Equal(t, 7, cfg.MaxAge)
	assert.NotEmpty(t, cfg.TimeZone)
	assert.NotEmpty(t, cfg.TimeFormat)

	assert.NotNil(t, getEncoder(cfg))

	lg, err := NewLogger(cfg)
	assert.NoError(t, err)
	assert.NotNil(t, lg)
}

func TestResolveTimeZone(t *testing.T) {
	assert.Equal(t, "UTC", resolveTimeZone("UTC").String())
	assert.Equal(t, "Local", resolveTimeZone("").String())
	assert.Equal(t, "Local", resolveTimeZone("Not/AZone").String())
}

func TestNewLogger_FileWithStacktrace(t *testing.T) {
	tmp := t.TempDir()
	cfg := &config.LoggerConfig{
		Output:     "file",
		FilePath:   filepath.Join(tmp, "logs", "collab.log"),
		Format:     "console",
		Color:      true,
		Stacktrace: true,
		Level:      "debug",
		TimeZone:   "UTC",
	}
	lg, err := NewLogger(cfg)
	assert.NoError(t, err)
	lg.Info("hello")
	_ = lg.Sync()

	_, err = os.Stat(filepath.Join(tmp, "logs"))
	assert.NoError(t, err)
}
