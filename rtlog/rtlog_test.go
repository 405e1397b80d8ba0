package rtlog

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNoOpLoggerDiscardsEverything(t *testing.T) {
	l := NewNoOpLogger()
	assert.False(t, l.IsEnabled(LevelError))
	l.Log(Entry{Level: LevelError, Message: "should be discarded"})
}

func TestGlobalDefaultsToNoOp(t *testing.T) {
	SetStructuredLogger(nil)
	assert.False(t, Global().IsEnabled(LevelDebug))
}

func TestSetStructuredLoggerInstallsGlobal(t *testing.T) {
	l := NewDefaultLogger(LevelWarn)
	SetStructuredLogger(l)
	defer SetStructuredLogger(nil)

	assert.Same(t, l, Global())
	assert.True(t, Global().IsEnabled(LevelError))
	assert.False(t, Global().IsEnabled(LevelDebug))
}

func TestDefaultLoggerSetLevelIsDynamic(t *testing.T) {
	l := NewDefaultLogger(LevelError)
	assert.False(t, l.IsEnabled(LevelInfo))
	l.SetLevel(LevelDebug)
	assert.True(t, l.IsEnabled(LevelInfo))
}

func TestLevelStringCoversAllLevels(t *testing.T) {
	assert.Equal(t, "DEBUG", LevelDebug.String())
	assert.Equal(t, "INFO", LevelInfo.String())
	assert.Equal(t, "WARN", LevelWarn.String())
	assert.Equal(t, "ERROR", LevelError.String())
}
