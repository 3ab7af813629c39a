package log

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewWritesToOutputDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	logger, err := New("debug", "json", dir)
	require.NoError(t, err)

	logger.Infow("[Test] 写入一条日志", "reference_id", "cam01_frame_0001")
	_ = logger.Sync()

	data, err := os.ReadFile(filepath.Join(dir, "app.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "cam01_frame_0001")
}

func TestNewFallsBackToInfoOnBadLevel(t *testing.T) {
	logger, err := New("loud", "console", "")
	require.NoError(t, err)
	assert.False(t, logger.Desugar().Core().Enabled(zapcore.DebugLevel))
	assert.True(t, logger.Desugar().Core().Enabled(zapcore.InfoLevel))
}

func TestOrNop(t *testing.T) {
	assert.NotNil(t, OrNop(nil))
	logger, err := New("info", "json", "")
	require.NoError(t, err)
	assert.Same(t, logger, OrNop(logger))
}
