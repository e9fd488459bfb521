package logger

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	gormlogger "gorm.io/gorm/logger"
)

type GormLoggerConfig struct {
	Level gormlogger.LogLevel
	// SlowThreshold of zero turns slow query warnings off.
	SlowThreshold        time.Duration
	IgnoreRecordNotFound bool
}

// GormLogger sends gorm output through the request scoped zap logger.
// Bound parameters are dropped and inline password literals masked before
// anything is written.
type GormLogger struct {
	cfg GormLoggerConfig
}

func NewGormLogger(cfg GormLoggerConfig) *GormLogger {
	if cfg.Level == 0 {
		cfg.Level = gormlogger.Warn
	}
	return &GormLogger{cfg: cfg}
}

func (l *GormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	next := *l
	next.cfg.Level = level
	return &next
}

func (l *GormLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	l.message(ctx, gormlogger.Info, zapcore.InfoLevel, msg, data)
}

func (l *GormLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	l.message(ctx, gormlogger.Warn, zapcore.WarnLevel, msg, data)
}

func (l *GormLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	l.message(ctx, gormlogger.Error, zapcore.ErrorLevel, msg, data)
}

func (l *GormLogger) message(ctx context.Context, enabledAt gormlogger.LogLevel, level zapcore.Level, msg string, data []interface{}) {
	if l.cfg.Level < enabledAt {
		return
	}
	fields := l.baseFields()
	if len(data) > 0 {
		fields = append(fields, zap.Any("data", data))
	}
	if ce := FromContext(ctx).Check(level, msg); ce != nil {
		ce.Write(fields...)
	}
}

func (l *GormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.cfg.Level <= gormlogger.Silent {
		return
	}

	elapsed := time.Since(begin)
	notFound := errors.Is(err, gormlogger.ErrRecordNotFound) && l.cfg.IgnoreRecordNotFound
	switch {
	case err != nil && !notFound && l.cfg.Level >= gormlogger.Error:
		l.query(ctx, zapcore.ErrorLevel, fc, elapsed, err)
	case l.cfg.SlowThreshold > 0 && elapsed > l.cfg.SlowThreshold && l.cfg.Level >= gormlogger.Warn:
		l.query(ctx, zapcore.WarnLevel, fc, elapsed, nil, zap.Duration("slow_threshold", l.cfg.SlowThreshold))
	case l.cfg.Level >= gormlogger.Info:
		l.query(ctx, zapcore.DebugLevel, fc, elapsed, nil)
	}
}

// ParamsFilter strips bound values so sealed credentials and emails never reach the log.
func (l *GormLogger) ParamsFilter(_ context.Context, sql string, _ ...interface{}) (string, []interface{}) {
	return RedactSQL(sql), nil
}

// DDL cannot bind passwords, so provisioning statements carry them inline.
var passwordLiteral = regexp.MustCompile(`(?i)(PASSWORD|IDENTIFIED\s+BY)\s+'(?:[^']|'')*'`)

// RedactSQL masks inline password literals in CREATE/ALTER USER statements.
func RedactSQL(sql string) string {
	return passwordLiteral.ReplaceAllString(sql, "$1 '[REDACTED]'")
}

func (l *GormLogger) query(ctx context.Context, level zapcore.Level, fc func() (string, int64), elapsed time.Duration, err error, extra ...zap.Field) {
	log := FromContext(ctx)
	ce := log.Check(level, "gorm.query")
	if ce == nil {
		return
	}

	sql, rows := fc()
	fields := append(l.baseFields(),
		zap.String("sql", strings.TrimSpace(RedactSQL(sql))),
		zap.String("operation", operationFromSQL(sql)),
		zap.Int64("duration_ms", elapsed.Milliseconds()),
	)
	if rows >= 0 {
		fields = append(fields, zap.Int64("rows_affected", rows))
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	ce.Write(append(fields, extra...)...)
}

func (l *GormLogger) baseFields() []zap.Field {
	return []zap.Field{zap.String("component", "gorm")}
}

// operationFromSQL returns the first DML keyword, skipping CTE prefixes.
func operationFromSQL(sql string) string {
	for _, token := range strings.Fields(strings.ToUpper(sql)) {
		switch token = strings.Trim(token, "();"); token {
		case "SELECT", "INSERT", "UPDATE", "DELETE", "MERGE", "CREATE", "DROP", "ALTER", "GRANT":
			return token
		}
	}
	return "UNKNOWN"
}

var _ gormlogger.Interface = (*GormLogger)(nil)
