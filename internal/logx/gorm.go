package logx

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	glogger "gorm.io/gorm/logger"
)

var (
	gormInfoW io.Writer = os.Stdout
	gormErrW  io.Writer = os.Stderr
)

// gormSplitLogger is gorm's logger.Interface backed by the same
// level-tagged, split-sink writers as Logger, tagged with the name of
// the store that opened the *gorm.DB (e.g. "acl-store", "history-mirror")
// so a slow-query line in the shared log stream is traceable to the
// component that issued it without grepping by SQL shape.
type gormSplitLogger struct {
	level     glogger.LogLevel
	slow      time.Duration
	component string
}

// NewGormLogger builds a gorm logger for component, the name of the
// store wiring it in (acl's rule-table reader, the history mirror,
// ...). slowThreshold is the query duration above which a line is
// logged at Warn even when level would otherwise suppress Info.
func NewGormLogger(component, level string, slowThreshold time.Duration) glogger.Interface {
	return &gormSplitLogger{level: toGormLevel(level), slow: slowThreshold, component: component}
}

func GormLoggerDefault(component, level string) glogger.Interface {
	return NewGormLogger(component, level, 500*time.Millisecond)
}

func (l *gormSplitLogger) LogMode(level glogger.LogLevel) glogger.Interface {
	cp := *l
	cp.level = level
	return &cp
}

func (l *gormSplitLogger) gormWrite(dst io.Writer, lvl Level, msg string) {
	ts := time.Now().Format("2006/01/02 15:04:05.000000")
	for _, line := range strings.Split(strings.TrimRight(msg, "\n"), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		fmt.Fprintf(dst, "%s %s gorm %s - %s\n", ts, levelTag(lvl), l.component, line)
	}
}

func (l *gormSplitLogger) Info(ctx context.Context, s string, args ...any) {
	if l.level >= glogger.Info {
		l.gormWrite(gormInfoW, Info, fmt.Sprintf(s, args...))
	}
}
func (l *gormSplitLogger) Warn(ctx context.Context, s string, args ...any) {
	if l.level >= glogger.Warn {
		l.gormWrite(gormInfoW, Warn, fmt.Sprintf(s, args...))
	}
}
func (l *gormSplitLogger) Error(ctx context.Context, s string, args ...any) {
	if l.level >= glogger.Error {
		l.gormWrite(gormErrW, Error, fmt.Sprintf(s, args...))
	}
}
func (l *gormSplitLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level == glogger.Silent {
		return
	}
	elapsed := time.Since(begin)
	sql, rows := fc()
	rowStr := "-"
	if rows >= 0 {
		rowStr = fmt.Sprintf("%d", rows)
	}
	ms := float64(elapsed.Microseconds()) / 1000.0
	switch {
	case err != nil && l.level >= glogger.Error:
		l.gormWrite(gormErrW, Error, fmt.Sprintf("[%.3fms] rows=%s %s | err=%v", ms, rowStr, sql, err))
	case l.slow > 0 && elapsed > l.slow && l.level >= glogger.Warn:
		l.gormWrite(gormInfoW, Warn, fmt.Sprintf("[SLOW >= %s] [%.3fms] rows=%s %s", l.slow, ms, rowStr, sql))
	case l.level >= glogger.Info:
		l.gormWrite(gormInfoW, Debug, fmt.Sprintf("[%.3fms] rows=%s %s", ms, rowStr, sql))
	}
}

func toGormLevel(s string) glogger.LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "silent", "off":
		return glogger.Silent
	case "error":
		return glogger.Error
	case "warn", "warning":
		return glogger.Warn
	case "debug":
		return glogger.Info
	case "info":
		return glogger.Warn
	default:
		return glogger.Warn
	}
}
