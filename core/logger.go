package core

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// LogLevel controls which messages a ProductionLogger emits.
type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

// ParseLogLevel maps a config string to a LogLevel. Unknown values fall back
// to info.
func ParseLogLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LogLevelDebug
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

func (l LogLevel) String() string {
	switch l {
	case LogLevelDebug:
		return "DEBUG"
	case LogLevelWarn:
		return "WARN"
	case LogLevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// ProductionLogger is the standard structured logger. JSON format emits one
// object per line with timestamp, level, service, component, message and the
// caller's fields merged at the top level. Text format is for local
// development: `timestamp [LEVEL] [service] message fields` (no component
// field; component tagging is for JSON log aggregation).
type ProductionLogger struct {
	level          LogLevel
	serviceName    string
	component      string
	format         string
	output         io.Writer
	timeFormat     string
	metricsEnabled bool
	mu             sync.Mutex
}

// NewProductionLogger builds a logger from the logging and development
// sections of the configuration. Development mode with DebugLogging forces
// the debug level; PrettyLogs forces text format. The default component is
// "framework/core"; use WithComponent to tag subsystem loggers.
func NewProductionLogger(logging LoggingConfig, dev DevelopmentConfig, serviceName string) Logger {
	level := ParseLogLevel(logging.Level)
	if dev.Enabled && dev.DebugLogging {
		level = LogLevelDebug
	}
	format := strings.ToLower(logging.Format)
	if dev.Enabled && dev.PrettyLogs {
		format = "text"
	}
	if format != "text" {
		format = "json"
	}
	var out io.Writer
	switch strings.ToLower(logging.Output) {
	case "stderr":
		out = os.Stderr
	default:
		out = os.Stdout
	}
	timeFormat := logging.TimeFormat
	if timeFormat == "" {
		timeFormat = time.RFC3339Nano
	}
	if serviceName == "" {
		serviceName = "agentmesh"
	}
	return &ProductionLogger{
		level:       level,
		serviceName: serviceName,
		component:   "framework/core",
		format:      format,
		output:      out,
		timeFormat:  timeFormat,
	}
}

// WithComponent returns a child logger with the same configuration but a new
// component tag.
func (p *ProductionLogger) WithComponent(component string) Logger {
	return &ProductionLogger{
		level:          p.level,
		serviceName:    p.serviceName,
		component:      component,
		format:         p.format,
		output:         p.output,
		timeFormat:     p.timeFormat,
		metricsEnabled: p.metricsEnabled,
	}
}

func (p *ProductionLogger) Info(msg string, fields map[string]interface{}) {
	p.log(LogLevelInfo, msg, fields)
}

func (p *ProductionLogger) Error(msg string, fields map[string]interface{}) {
	p.log(LogLevelError, msg, fields)
}

func (p *ProductionLogger) Warn(msg string, fields map[string]interface{}) {
	p.log(LogLevelWarn, msg, fields)
}

func (p *ProductionLogger) Debug(msg string, fields map[string]interface{}) {
	p.log(LogLevelDebug, msg, fields)
}

func (p *ProductionLogger) log(level LogLevel, msg string, fields map[string]interface{}) {
	if level < p.level {
		return
	}
	timeFormat := p.timeFormat
	if timeFormat == "" {
		timeFormat = time.RFC3339Nano
	}
	now := time.Now().UTC().Format(timeFormat)

	var line []byte
	if p.format == "text" {
		var b strings.Builder
		fmt.Fprintf(&b, "%s [%s] [%s] %s", now, level, p.serviceName, msg)
		if len(fields) > 0 {
			keys := make([]string, 0, len(fields))
			for k := range fields {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(&b, " %s=%v", k, fields[k])
			}
		}
		b.WriteByte('\n')
		line = []byte(b.String())
	} else {
		entry := make(map[string]interface{}, len(fields)+5)
		for k, v := range fields {
			entry[k] = v
		}
		entry["timestamp"] = now
		entry["level"] = level.String()
		entry["service"] = p.serviceName
		entry["component"] = p.component
		entry["message"] = msg
		data, err := json.Marshal(entry)
		if err != nil {
			// Fields that cannot marshal (channels, funcs) degrade to the
			// message alone rather than losing the log line.
			data, _ = json.Marshal(map[string]interface{}{
				"timestamp": now,
				"level":     level.String(),
				"service":   p.serviceName,
				"component": p.component,
				"message":   msg,
				"log_error": err.Error(),
			})
		}
		line = append(data, '\n')
	}

	p.mu.Lock()
	if p.output != nil {
		_, _ = p.output.Write(line)
	}
	p.mu.Unlock()
}

// createComponentLogger tags the base logger with a component when it is
// component-aware; otherwise the base logger is returned unchanged.
func createComponentLogger(base Logger, component string) Logger {
	if base == nil {
		return &NoOpLogger{}
	}
	if cal, ok := base.(ComponentAwareLogger); ok {
		return cal.WithComponent(component)
	}
	return base
}

// ComponentLogger is the exported form of createComponentLogger for use by
// the subsystem packages.
func ComponentLogger(base Logger, component string) Logger {
	return createComponentLogger(base, component)
}
