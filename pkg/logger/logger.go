// Package logger wires zap into the go-logr/logr interface used across the
// controller, driver and webhook binaries, with a runtime-adjustable level.
package logger

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/go-logr/logr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	ctrlzap "sigs.k8s.io/controller-runtime/pkg/log/zap"
)

const envVarName = "SIMKUBE_LOG_LEVEL"

var defaultLogLevel = zap.InfoLevel

var logLevel atomic.Value

var levelStrings = map[string]zapcore.Level{
	"debug": zap.DebugLevel,
	"info":  zap.InfoLevel,
	"error": zap.ErrorLevel,
}

func stringToLevel(flagValue string) (zapcore.Level, error) {
	level, ok := levelStrings[strings.ToLower(flagValue)]
	if ok {
		return level, nil
	}
	n, err := strconv.ParseInt(flagValue, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid log level %q", flagValue)
	}
	if n > 0 {
		return zapcore.Level(-1 * int8(n)), nil
	}
	return 0, fmt.Errorf("invalid log level %q", flagValue)
}

// SetLevel adjusts the running process's log level; safe to call after
// New has stashed the atomic level.
func SetLevel(levelStr string) error {
	if levelStr == "" {
		return nil
	}
	lvl, err := stringToLevel(levelStr)
	if err != nil {
		return err
	}
	stored, ok := logLevel.Load().(zap.AtomicLevel)
	if !ok {
		return errors.New("stored log level is not a zap.AtomicLevel; New was never called")
	}
	stored.SetLevel(lvl)
	return nil
}

func levelFromEnvOrDefault() zapcore.Level {
	levelStr := os.Getenv(envVarName)
	if levelStr == "" {
		return defaultLogLevel
	}
	lvl, err := stringToLevel(levelStr)
	if err != nil {
		return defaultLogLevel
	}
	return lvl
}

// New builds a logr.Logger backed by zap at the level named by
// SIMKUBE_LOG_LEVEL (info when unset or invalid); development selects
// zap's development mode.
func New(development bool) logr.Logger {
	atom := zap.NewAtomicLevelAt(levelFromEnvOrDefault())
	logLevel.Store(atom)

	opts := ctrlzap.Options{
		Development: development,
		Level:       &atom,
	}
	return ctrlzap.New(ctrlzap.UseFlagOptions(&opts))
}

// ForComponent returns base's child logger called name.
func ForComponent(base logr.Logger, name string) logr.Logger {
	return base.WithName(name)
}
