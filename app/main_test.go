package main

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/natefinch/lumberjack.v2"
)

func Test_setupLogsWithLogsDisabled(t *testing.T) {
	opts.Log.Enabled = false
	assert.Equal(t, os.Stdout, setupLogs())
}

func Test_setupLogsToFile(t *testing.T) {
	tmpfile, err := os.CreateTemp("", "")
	require.NoError(t, err)
	defer os.Remove(tmpfile.Name())

	opts.Log.Enabled = true
	defer func() { opts.Log.Enabled = false }()
	opts.Log.Filename = tmpfile.Name()
	opts.Log.MaxSize = 100
	opts.Log.MaxBackups = 7
	opts.Log.MaxAge = 0
	opts.Log.EnabledCompress = false

	out := setupLogs()
	assert.IsType(t, &lumberjack.Logger{}, out)

	logger := out.(*lumberjack.Logger)
	assert.Equal(t, tmpfile.Name(), logger.Filename)
	assert.Equal(t, 100, logger.MaxSize)
	assert.Equal(t, 7, logger.MaxBackups)
	assert.Equal(t, 0, logger.MaxAge)
	assert.False(t, logger.Compress)
}

func Test_makeRepeater(t *testing.T) {
	opts.Repeater.Attempts = 1
	assert.Nil(t, makeRepeater(), "single attempt needs no repeater")

	opts.Repeater.Attempts = 3
	opts.Repeater.Duration = time.Second
	opts.Repeater.Factor = 2
	assert.NotNil(t, makeRepeater())
}

func Test_makeConditions(t *testing.T) {
	opts.Limits.CPUBelow = 0
	opts.Limits.MemBelow = 0
	opts.Limits.LoadBelow = 0
	cfg := makeConditions()
	assert.False(t, cfg.Enabled(), "zero thresholds disable the gate")

	opts.Limits.CPUBelow = 80
	opts.Limits.LoadBelow = 4.5
	cfg = makeConditions()
	require.True(t, cfg.Enabled())
	require.NotNil(t, cfg.CPUBelow)
	assert.Equal(t, 80, *cfg.CPUBelow)
	assert.Nil(t, cfg.MemoryBelow)
	require.NotNil(t, cfg.LoadAvgBelow)
	assert.InDelta(t, 4.5, *cfg.LoadAvgBelow, 0.001)
}

func Test_makeEngine(t *testing.T) {
	opts.Engine.Command = "omr-cli --image {image} --config {config}"
	opts.Engine.Timeout = time.Minute
	eng := makeEngine()
	assert.Equal(t, "omr-cli --image {image} --config {config}", eng.Command)
	assert.Equal(t, time.Minute, eng.Timeout)
}
