// Package logger builds the process-wide zap logger and installs it as the
// global logger (zap.L() / zap.S()) so every other package can log without
// threading a *zap.Logger through every constructor.
//
// Output always goes to a size-rotated file under <root>/log via lumberjack;
// when tee is true (interactive TTY, local development) it also goes to
// stdout. This mirrors the teacher framework's logger, upgraded from a bare
// *log.Logger to structured zap fields so fields like requestId and
// clientId survive as queryable JSON rather than interpolated strings.
package logger

import (
	"os"
	"path/filepath"

	"github.com/natefinch/lumberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options configures the logger. The zero value writes info-level JSON to
// <RootDir>/log/app.log only, with no stdout copy.
type Options struct {
	RootDir    string // base directory; log file is <RootDir>/log/<Service>.log
	Service    string // e.g. "facade", "validator", "rotator"
	Tee        bool   // also write to stdout
	Debug      bool   // enable debug level
	MaxSizeMB  int    // lumberjack rotation size, default 100
	MaxBackups int    // default 7
	MaxAgeDays int    // default 28
}

// New builds and installs the global zap logger, returning it for callers
// that want an explicit handle (e.g. to Sync() on shutdown).
func New(opt Options) (*zap.Logger, error) {
	if opt.MaxSizeMB == 0 {
		opt.MaxSizeMB = 100
	}
	if opt.MaxBackups == 0 {
		opt.MaxBackups = 7
	}
	if opt.MaxAgeDays == 0 {
		opt.MaxAgeDays = 28
	}
	if opt.Service == "" {
		opt.Service = "app"
	}

	logDir := filepath.Join(opt.RootDir, "log")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, err
	}

	fileSink := zapcore.AddSync(&lumberjack.Logger{
		Filename:   filepath.Join(logDir, opt.Service+".log"),
		MaxSize:    opt.MaxSizeMB,
		MaxBackups: opt.MaxBackups,
		MaxAge:     opt.MaxAgeDays,
		Compress:   true,
	})

	level := zap.InfoLevel
	if opt.Debug {
		level = zap.DebugLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewJSONEncoder(encCfg)

	core := zapcore.NewCore(encoder, fileSink, level)
	if opt.Tee {
		stdoutCore := zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), level)
		core = zapcore.NewTee(core, stdoutCore)
	}

	l := zap.New(core, zap.AddCaller()).With(zap.String("service", opt.Service))
	zap.ReplaceGlobals(l)
	l.Info("logger online", zap.Bool("tee", opt.Tee), zap.Bool("debug", opt.Debug))
	return l, nil
}
