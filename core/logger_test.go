package core

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestProductionLoggerImplementsComponentAwareLogger verifies that
// ProductionLogger implements the ComponentAwareLogger interface
func TestProductionLoggerImplementsComponentAwareLogger(t *testing.T) {
	logger := NewProductionLogger(
		LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		DevelopmentConfig{},
		"test-service",
	)

	_, ok := logger.(ComponentAwareLogger)
	assert.True(t, ok, "ProductionLogger should implement ComponentAwareLogger interface")
}

// TestWithComponentPreservesConfiguration verifies that WithComponent
// preserves the parent logger's configuration
func TestWithComponentPreservesConfiguration(t *testing.T) {
	parentLogger := NewProductionLogger(
		LoggingConfig{
			Level:  "debug",
			Format: "json",
			Output: "stdout",
		},
		DevelopmentConfig{},
		"parent-service",
	)

	cal, ok := parentLogger.(ComponentAwareLogger)
	require.True(t, ok)

	childLogger := cal.WithComponent("framework/broker")

	parentPL, ok := parentLogger.(*ProductionLogger)
	require.True(t, ok)

	childPL, ok := childLogger.(*ProductionLogger)
	require.True(t, ok)

	assert.Equal(t, parentPL.level, childPL.level, "Log level should be preserved")
	assert.Equal(t, parentPL.serviceName, childPL.serviceName, "Service name should be preserved")
	assert.Equal(t, parentPL.format, childPL.format, "Format should be preserved")

	assert.NotEqual(t, parentPL.component, childPL.component, "Component should be different")
	assert.Equal(t, "framework/broker", childPL.component, "Child should have new component")
}

// TestLogOutputIncludesComponent verifies that JSON log output carries the
// component field
func TestLogOutputIncludesComponent(t *testing.T) {
	var buf bytes.Buffer

	logger := &ProductionLogger{
		level:       LogLevelInfo,
		serviceName: "test-service",
		component:   "framework/core",
		format:      "json",
		output:      &buf,
	}

	logger.Info("test message", map[string]interface{}{
		"key": "value",
	})

	var logEntry map[string]interface{}
	err := json.Unmarshal(buf.Bytes(), &logEntry)
	require.NoError(t, err, "Log output should be valid JSON")

	assert.Equal(t, "framework/core", logEntry["component"])
	assert.Equal(t, "test-service", logEntry["service"])
	assert.Equal(t, "INFO", logEntry["level"])
	assert.Equal(t, "test message", logEntry["message"])
	assert.Equal(t, "value", logEntry["key"])
}

// TestLevelFiltering verifies messages below the configured level are dropped
func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer

	logger := &ProductionLogger{
		level:       LogLevelWarn,
		serviceName: "test-service",
		component:   "framework/core",
		format:      "json",
		output:      &buf,
	}

	logger.Debug("dropped", nil)
	logger.Info("dropped too", nil)
	assert.Zero(t, buf.Len(), "debug and info should be filtered at warn level")

	logger.Warn("kept", nil)
	assert.NotZero(t, buf.Len(), "warn should pass the filter")
}

// TestTextFormatWorksWithComponent verifies text format output. Text format
// is for local development and shows: timestamp [LEVEL] [service] message
// fields (component is for JSON log aggregation).
func TestTextFormatWorksWithComponent(t *testing.T) {
	var buf bytes.Buffer

	logger := &ProductionLogger{
		level:       LogLevelInfo,
		serviceName: "test-service",
		component:   "agent/test-agent",
		format:      "text",
		output:      &buf,
	}

	logger.Info("test message", map[string]interface{}{
		"key": "value",
	})

	output := buf.String()

	assert.True(t, strings.Contains(output, "test-service"),
		"Text format should include service name, got: %s", output)
	assert.True(t, strings.Contains(output, "INFO"),
		"Text format should include log level, got: %s", output)
	assert.True(t, strings.Contains(output, "test message"),
		"Text format should include message, got: %s", output)
	assert.True(t, strings.Contains(output, "key=value"),
		"Text format should include fields, got: %s", output)
}

// TestCreateComponentLoggerHelper verifies the createComponentLogger helper
func TestCreateComponentLoggerHelper(t *testing.T) {
	t.Run("with component-aware logger", func(t *testing.T) {
		baseLogger := NewProductionLogger(
			LoggingConfig{
				Level:  "info",
				Format: "json",
				Output: "stdout",
			},
			DevelopmentConfig{},
			"test-service",
		)

		result := createComponentLogger(baseLogger, "agent/test-agent")

		pl, ok := result.(*ProductionLogger)
		require.True(t, ok)
		assert.Equal(t, "agent/test-agent", pl.component)
	})

	t.Run("with non-component-aware logger", func(t *testing.T) {
		baseLogger := &NoOpLogger{}

		result := createComponentLogger(baseLogger, "agent/test-agent")

		assert.Same(t, baseLogger, result)
	})

	t.Run("with nil logger", func(t *testing.T) {
		result := createComponentLogger(nil, "agent/test-agent")

		_, ok := result.(*NoOpLogger)
		assert.True(t, ok, "nil base should degrade to NoOpLogger")
	})
}

// TestDevelopmentModeForcesDebugAndText verifies development settings
func TestDevelopmentModeForcesDebugAndText(t *testing.T) {
	logger := NewProductionLogger(
		LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
		DevelopmentConfig{Enabled: true, DebugLogging: true, PrettyLogs: true},
		"dev-service",
	)

	pl, ok := logger.(*ProductionLogger)
	require.True(t, ok)
	assert.Equal(t, LogLevelDebug, pl.level)
	assert.Equal(t, "text", pl.format)
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, LogLevelDebug, ParseLogLevel("debug"))
	assert.Equal(t, LogLevelInfo, ParseLogLevel("info"))
	assert.Equal(t, LogLevelWarn, ParseLogLevel("WARN"))
	assert.Equal(t, LogLevelWarn, ParseLogLevel("warning"))
	assert.Equal(t, LogLevelError, ParseLogLevel("error"))
	assert.Equal(t, LogLevelInfo, ParseLogLevel("nonsense"))
}
