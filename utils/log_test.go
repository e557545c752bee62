package utils_test

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cacc-core/utils"
)

func TestLoggerFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	log := utils.NewLogger(&buf, utils.INFO)

	log.Debug("hidden %d", 1)
	log.Info("shown %d", 2)
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown 2")

	log.SetMinLevel(utils.TRACE)
	log.Trace("trace line")
	assert.Contains(t, buf.String(), "trace line")
}

func TestLoggerCriticalIsTagged(t *testing.T) {
	var buf bytes.Buffer
	log := utils.NewLogger(&buf, utils.CRITICAL)

	log.Error("dropped")
	log.Critical("startup failed: %v", "boom")
	out := buf.String()
	assert.NotContains(t, out, "dropped")
	assert.Contains(t, out, "severity=critical")
	assert.Contains(t, out, "startup failed: boom")
}

func TestLoggerWithModule(t *testing.T) {
	var buf bytes.Buffer
	log := utils.NewLogger(&buf, utils.INFO).WithModule("runner")
	log.Info("tick")
	assert.Contains(t, buf.String(), "module=runner")
}

func TestFileLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cacc.log")
	log, err := utils.NewFileLogger(path, utils.DEBUG, false)
	require.NoError(t, err)
	log.Debug("written")
	require.NoError(t, log.Close())
	require.NoError(t, log.Close())
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, utils.TRACE, utils.ParseLevel("trace"))
	assert.Equal(t, utils.WARN, utils.ParseLevel("Warning"))
	assert.Equal(t, utils.CRITICAL, utils.ParseLevel("critical"))
	assert.Equal(t, utils.INFO, utils.ParseLevel("bogus"))
	assert.Equal(t, "CRITICAL", utils.CRITICAL.String())
}
